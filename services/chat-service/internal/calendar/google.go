package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	otelx "github.com/md-rashed-zaman/rushchat/libs/otel"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DefaultAPIBaseURL = "https://www.googleapis.com/calendar/v3"
	eventsScope       = "https://www.googleapis.com/auth/calendar.events"
)

// CredentialSource resolves the stored refresh token of a principal.
type CredentialSource interface {
	RefreshToken(ctx context.Context, principalID string) (string, error)
}

type GoogleConfig struct {
	ClientID      string
	ClientSecret  string
	APIBaseURL    string
	TokenURL      string
	Location      *time.Location
	EventDuration time.Duration
	HTTPClient    *http.Client
}

// Google talks to the Calendar v3 REST API on behalf of each event owner,
// using that owner's stored refresh token.
type Google struct {
	oauth    *oauth2.Config
	creds    CredentialSource
	baseURL  string
	loc      *time.Location
	duration time.Duration
	http     *http.Client

	mu      sync.Mutex
	sources map[string]cachedSource
}

type cachedSource struct {
	refreshToken string
	ts           oauth2.TokenSource
}

func NewGoogle(cfg GoogleConfig, creds CredentialSource) *Google {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.EventDuration <= 0 {
		cfg.EventDuration = 30 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Google{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{eventsScope},
		},
		creds:    creds,
		baseURL:  strings.TrimRight(cfg.APIBaseURL, "/"),
		loc:      cfg.Location,
		duration: cfg.EventDuration,
		http:     cfg.HTTPClient,
		sources:  map[string]cachedSource{},
	}
}

func (g *Google) Ready(context.Context) error {
	if g.oauth.ClientID == "" || g.oauth.ClientSecret == "" {
		return ErrDisabled
	}
	return nil
}

type googleEventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

type googleAttendee struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

type googleReminder struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

type googleReminders struct {
	UseDefault bool             `json:"useDefault"`
	Overrides  []googleReminder `json:"overrides,omitempty"`
}

type googleEvent struct {
	ID                      string           `json:"id,omitempty"`
	Summary                 string           `json:"summary,omitempty"`
	Location                string           `json:"location,omitempty"`
	Description             string           `json:"description,omitempty"`
	ColorID                 string           `json:"colorId,omitempty"`
	Start                   *googleEventTime `json:"start,omitempty"`
	End                     *googleEventTime `json:"end,omitempty"`
	Attendees               []googleAttendee `json:"attendees,omitempty"`
	Reminders               *googleReminders `json:"reminders,omitempty"`
	GuestsCanModify         *bool            `json:"guestsCanModify,omitempty"`
	GuestsCanInviteOthers   *bool            `json:"guestsCanInviteOthers,omitempty"`
	GuestsCanSeeOtherGuests *bool            `json:"guestsCanSeeOtherGuests,omitempty"`
	HTMLLink                string           `json:"htmlLink,omitempty"`
}

func (g *Google) CreateEvent(ctx context.Context, req EventRequest) (ref string, err error) {
	ctx, end := g.span(ctx, "create")
	defer func() { end(err) }()

	start, err := time.ParseInLocation("2006-01-02 15:04", req.Date+" "+req.Time, g.loc)
	if err != nil {
		return "", &Error{Kind: KindUnknown, Op: "create", Err: fmt.Errorf("parse slot start: %w", err)}
	}
	if req.OrganizerID == "" {
		return "", &Error{Kind: KindUnauthorized, Op: "create", Err: errors.New("no organizer")}
	}

	no, yes := false, true
	body := googleEvent{
		Summary:     req.Title,
		Location:    req.Location,
		Description: req.Description,
		Start:       &googleEventTime{DateTime: start.Format(time.RFC3339), TimeZone: g.loc.String()},
		End:         &googleEventTime{DateTime: start.Add(g.duration).Format(time.RFC3339), TimeZone: g.loc.String()},
		Reminders: &googleReminders{Overrides: []googleReminder{
			{Method: "email", Minutes: 24 * 60},
			{Method: "popup", Minutes: 15},
		}},
		GuestsCanModify:         &no,
		GuestsCanInviteOthers:   &no,
		GuestsCanSeeOtherGuests: &yes,
	}
	for _, a := range req.Attendees {
		body.Attendees = append(body.Attendees, googleAttendee{Email: a.Email, DisplayName: a.Name})
	}

	var created googleEvent
	if err := g.do(ctx, "create", req.OrganizerID, http.MethodPost, g.eventsURL(""), body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &Error{Kind: KindUnknown, Op: "create", Err: errors.New("response carried no event id")}
	}
	return Ref{OwnerID: req.OrganizerID, EventID: created.ID}.String(), nil
}

func (g *Google) DeleteEvent(ctx context.Context, raw string) (err error) {
	ctx, end := g.span(ctx, "delete")
	defer func() { end(err) }()

	ref, err := ParseRef(raw)
	if err != nil {
		return err
	}
	return g.do(ctx, "delete", ref.OwnerID, http.MethodDelete, g.eventsURL(ref.EventID), nil, nil)
}

func (g *Google) AnnotateCompleted(ctx context.Context, raw string) (err error) {
	ctx, end := g.span(ctx, "annotate")
	defer func() { end(err) }()

	ref, err := ParseRef(raw)
	if err != nil {
		return err
	}
	var current googleEvent
	if err := g.do(ctx, "annotate", ref.OwnerID, http.MethodGet, g.eventsURL(ref.EventID), nil, &current); err != nil {
		return err
	}
	if strings.HasSuffix(current.Description, CompletedNote) && current.ColorID == completedColorID {
		return nil
	}
	patch := googleEvent{
		Description: current.Description + CompletedNote,
		ColorID:     completedColorID,
	}
	return g.do(ctx, "annotate", ref.OwnerID, http.MethodPatch, g.eventsURL(ref.EventID), patch, nil)
}

func (g *Google) eventsURL(eventID string) string {
	u := g.baseURL + "/calendars/primary/events"
	if eventID != "" {
		u += "/" + url.PathEscape(eventID)
	}
	return u + "?sendUpdates=all"
}

func (g *Google) do(ctx context.Context, op, ownerID, method, target string, in, out any) error {
	client, err := g.client(ctx, op, ownerID)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindUnknown, Op: op, Err: err}
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Kind: KindUnknown, Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return &Error{Kind: transportKind(err), Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &Error{Kind: responseKind(resp.StatusCode, msg), Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindUnknown, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// client returns an HTTP client authorized as ownerID. Token sources are
// cached per owner and rebuilt when the stored refresh token changes.
func (g *Google) client(ctx context.Context, op, ownerID string) (*http.Client, error) {
	refreshToken, err := g.creds.RefreshToken(ctx, ownerID)
	if err != nil {
		return nil, &Error{Kind: KindUnauthorized, Op: op, Err: err}
	}

	g.mu.Lock()
	cached, ok := g.sources[ownerID]
	if !ok || cached.refreshToken != refreshToken {
		base := context.WithValue(context.Background(), oauth2.HTTPClient, g.http)
		cached = cachedSource{
			refreshToken: refreshToken,
			ts:           g.oauth.TokenSource(base, &oauth2.Token{RefreshToken: refreshToken}),
		}
		g.sources[ownerID] = cached
	}
	g.mu.Unlock()

	return &http.Client{
		Transport: &oauth2.Transport{Source: cached.ts, Base: g.http.Transport},
		Timeout:   g.http.Timeout,
	}, nil
}

func (g *Google) span(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := otelx.Tracer("chat-service/calendar").Start(ctx, "calendar."+op)
	span.SetAttributes(attribute.String("calendar.provider", "google"))
	return ctx, func(err error) {
		if err != nil {
			span.SetAttributes(attribute.String("calendar.error_kind", string(KindOf(err))))
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func statusKind(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindUnauthorized
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

type googleErrorBody struct {
	Error struct {
		Errors []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// Google reports quota exhaustion as 403 with a rate limit reason; those are
// transient, unlike a revoked grant.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

func responseKind(code int, body []byte) ErrorKind {
	if code == http.StatusForbidden {
		var parsed googleErrorBody
		if json.Unmarshal(body, &parsed) == nil {
			for _, e := range parsed.Error.Errors {
				if rateLimitReasons[e.Reason] {
					return KindUnavailable
				}
			}
		}
	}
	return statusKind(code)
}

func transportKind(err error) ErrorKind {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return KindUnavailable
		}
		return KindUnauthorized
	}
	return KindUnavailable
}
