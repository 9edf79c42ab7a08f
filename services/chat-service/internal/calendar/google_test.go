package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds map[string]string

func (s staticCreds) RefreshToken(_ context.Context, principalID string) (string, error) {
	tok, ok := s[principalID]
	if !ok {
		return "", errors.New("no credential")
	}
	return tok, nil
}

type fakeGoogle struct {
	mu         sync.Mutex
	tokenCalls int
	tokenFail  bool
	eventCode  int
	eventBody  string
	lastBody   map[string]any
	lastQuery  string
	lastMethod string
	stored     map[string]any
}

func (f *fakeGoogle) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		fail := f.tokenFail
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/calendar/v3/calendars/primary/events", f.events)
	mux.HandleFunc("/calendar/v3/calendars/primary/events/", f.events)
	return mux
}

func (f *fakeGoogle) events(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer at-1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.lastMethod = r.Method
	f.lastQuery = r.URL.RawQuery
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodDelete {
		f.lastBody = map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
	}
	if f.eventCode != 0 {
		w.WriteHeader(f.eventCode)
		_, _ = w.Write([]byte(f.eventBody))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPost:
		_, _ = w.Write([]byte(`{"id":"evt-123","htmlLink":"https://calendar.example/evt-123"}`))
	case http.MethodGet:
		_ = json.NewEncoder(w).Encode(f.stored)
	case http.MethodPatch:
		_, _ = w.Write([]byte(`{"id":"evt-123"}`))
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	}
}

func newTestGoogle(t *testing.T, creds staticCreds) (*Google, *fakeGoogle) {
	t.Helper()
	fake := &fakeGoogle{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	g := NewGoogle(GoogleConfig{
		ClientID:      "client",
		ClientSecret:  "secret",
		APIBaseURL:    srv.URL + "/calendar/v3",
		TokenURL:      srv.URL + "/token",
		EventDuration: 30 * time.Minute,
		HTTPClient:    &http.Client{Timeout: 5 * time.Second},
	}, creds)
	return g, fake
}

func TestGoogleCreateEvent(t *testing.T) {
	g, fake := newTestGoogle(t, staticCreds{"host-1": "rt-host"})

	ref, err := g.CreateEvent(context.Background(), EventRequest{
		OrganizerID: "host-1",
		Attendees: []Attendee{
			{PrincipalID: "host-1", Name: "Hana", Email: "hana@example.com"},
			{PrincipalID: "r1", Name: "Riley", Email: "riley@example.com"},
		},
		Date:        "2025-09-14",
		Time:        "10:30",
		Location:    "Campus Cafe",
		Title:       "Coffee Chat: Hana & Riley",
		Description: "Coffee chat",
	})
	require.NoError(t, err)
	assert.Equal(t, "host-1:evt-123", ref)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "sendUpdates=all", fake.lastQuery)
	assert.Equal(t, "Coffee Chat: Hana & Riley", fake.lastBody["summary"])
	start := fake.lastBody["start"].(map[string]any)
	end := fake.lastBody["end"].(map[string]any)
	assert.Equal(t, "2025-09-14T10:30:00Z", start["dateTime"])
	assert.Equal(t, "2025-09-14T11:00:00Z", end["dateTime"])
	assert.Len(t, fake.lastBody["attendees"], 2)
	reminders := fake.lastBody["reminders"].(map[string]any)
	assert.Equal(t, false, reminders["useDefault"])
	assert.Len(t, reminders["overrides"], 2)
}

func TestGoogleReusesTokenPerOwner(t *testing.T) {
	g, fake := newTestGoogle(t, staticCreds{"host-1": "rt-host"})
	ctx := context.Background()

	require.NoError(t, g.DeleteEvent(ctx, "host-1:evt-1"))
	require.NoError(t, g.DeleteEvent(ctx, "host-1:evt-2"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.tokenCalls)
	assert.Equal(t, http.MethodDelete, fake.lastMethod)
}

func TestGoogleAnnotateCompleted(t *testing.T) {
	g, fake := newTestGoogle(t, staticCreds{"host-1": "rt-host"})
	fake.mu.Lock()
	fake.stored = map[string]any{"id": "evt-123", "description": "Coffee chat"}
	fake.mu.Unlock()

	require.NoError(t, g.AnnotateCompleted(context.Background(), "host-1:evt-123"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, http.MethodPatch, fake.lastMethod)
	assert.Equal(t, "Coffee chat"+CompletedNote, fake.lastBody["description"])
	assert.Equal(t, "10", fake.lastBody["colorId"])
}

func TestGoogleErrorKinds(t *testing.T) {
	quota := func(reason string) string {
		return `{"error":{"code":403,"errors":[{"domain":"usageLimits","reason":"` + reason + `"}]}}`
	}
	cases := []struct {
		code int
		body string
		want ErrorKind
	}{
		{http.StatusUnauthorized, "", KindUnauthorized},
		{http.StatusForbidden, "", KindUnauthorized},
		{http.StatusForbidden, `{"error":{"errors":[{"reason":"forbidden"}]}}`, KindUnauthorized},
		{http.StatusForbidden, quota("rateLimitExceeded"), KindUnavailable},
		{http.StatusForbidden, quota("userRateLimitExceeded"), KindUnavailable},
		{http.StatusNotFound, "", KindNotFound},
		{http.StatusGone, "", KindNotFound},
		{http.StatusTooManyRequests, "", KindUnavailable},
		{http.StatusBadGateway, "", KindUnavailable},
		{http.StatusBadRequest, "", KindUnknown},
	}
	for _, tc := range cases {
		g, fake := newTestGoogle(t, staticCreds{"host-1": "rt-host"})
		fake.mu.Lock()
		fake.eventCode = tc.code
		fake.eventBody = tc.body
		fake.mu.Unlock()
		err := g.DeleteEvent(context.Background(), "host-1:evt-1")
		assert.Equal(t, tc.want, KindOf(err), "status %d %s", tc.code, tc.body)
	}
}

func TestGoogleCredentialProblemsAreUnauthorized(t *testing.T) {
	g, fake := newTestGoogle(t, staticCreds{"host-1": "rt-host"})
	ctx := context.Background()

	err := g.DeleteEvent(ctx, "nobody:evt-1")
	assert.Equal(t, KindUnauthorized, KindOf(err))

	fake.mu.Lock()
	fake.tokenFail = true
	fake.mu.Unlock()
	err = g.DeleteEvent(ctx, "host-1:evt-1")
	assert.Equal(t, KindUnauthorized, KindOf(err))

	err = g.DeleteEvent(ctx, "not-a-ref")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestGoogleReady(t *testing.T) {
	assert.ErrorIs(t, NewGoogle(GoogleConfig{}, staticCreds{}).Ready(context.Background()), ErrDisabled)
	g, _ := newTestGoogle(t, staticCreds{})
	assert.NoError(t, g.Ready(context.Background()))
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("host-1:evt42")
	require.NoError(t, err)
	assert.Equal(t, Ref{OwnerID: "host-1", EventID: "evt42"}, ref)

	owned := Ref{OwnerID: "google-oauth2:1234", EventID: "evt42"}
	parsed, err := ParseRef(owned.String())
	require.NoError(t, err)
	assert.Equal(t, owned, parsed)
	assert.True(t, strings.HasPrefix(owned.String(), "google-oauth2:1234:"))

	for _, bad := range []string{"", "host-1", ":evt", "host-1:"} {
		_, err := ParseRef(bad)
		assert.Error(t, err, bad)
	}
}
