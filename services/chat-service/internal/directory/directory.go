// Package directory resolves participants to contact details and holds their
// sealed calendar credentials.
package directory

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/calendar"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/storage"
)

type Directory struct {
	store  storage.DirectoryStore
	sealer *calendar.Sealer
	now    func() time.Time
}

// New returns a Directory. A nil sealer disables calendar connections.
func New(store storage.DirectoryStore, sealer *calendar.Sealer) *Directory {
	return &Directory{store: store, sealer: sealer, now: func() time.Time { return time.Now().UTC() }}
}

// Contact is what the booking flow needs to know about a participant.
type Contact struct {
	Participant model.Participant
	SyncEnabled bool
}

func (d *Directory) Upsert(ctx context.Context, p model.Participant) (model.Participant, error) {
	p.PrincipalID = strings.TrimSpace(p.PrincipalID)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Email = strings.TrimSpace(p.Email)
	if p.PrincipalID == "" || p.DisplayName == "" {
		return model.Participant{}, apperr.Validation("principal id and display name are required")
	}
	if _, ok := model.ParseRole(string(p.Role)); !ok {
		return model.Participant{}, apperr.Validation("role must be host, occupant or admin")
	}
	if p.Email != "" {
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return model.Participant{}, apperr.Validation("email is invalid")
		}
	}
	out, err := d.store.UpsertParticipant(ctx, p)
	if err != nil {
		return model.Participant{}, apperr.Internal(err)
	}
	return out, nil
}

func (d *Directory) Get(ctx context.Context, principalID string) (model.Participant, error) {
	p, err := d.store.GetParticipant(ctx, principalID)
	if storage.IsNotFound(err) {
		return model.Participant{}, apperr.NotFound("participant not found")
	}
	if err != nil {
		return model.Participant{}, apperr.Internal(err)
	}
	return p, nil
}

// Lookup returns the participant's contact. Unknown principals resolve to an
// empty contact with sync disabled rather than an error.
func (d *Directory) Lookup(ctx context.Context, principalID string) (Contact, error) {
	p, err := d.store.GetParticipant(ctx, principalID)
	if storage.IsNotFound(err) {
		return Contact{Participant: model.Participant{PrincipalID: principalID}}, nil
	}
	if err != nil {
		return Contact{}, err
	}
	return Contact{Participant: p, SyncEnabled: p.CalendarConnected && d.sealer != nil}, nil
}

func (d *Directory) ConnectCalendar(ctx context.Context, principalID, calendarEmail, refreshToken string) (model.Participant, error) {
	if d.sealer == nil {
		return model.Participant{}, apperr.Wrap(apperr.KindUnavailable, "calendar sync is not configured", calendar.ErrDisabled)
	}
	calendarEmail = strings.TrimSpace(calendarEmail)
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return model.Participant{}, apperr.Validation("refresh_token is required")
	}
	if _, err := mail.ParseAddress(calendarEmail); err != nil {
		return model.Participant{}, apperr.Validation("calendar_email is invalid")
	}

	sealed, err := d.sealer.Seal([]byte(refreshToken))
	if err != nil {
		return model.Participant{}, apperr.Internal(err)
	}
	err = d.store.SetCalendarCredential(ctx, principalID, calendarEmail, sealed, d.now())
	if storage.IsNotFound(err) {
		return model.Participant{}, apperr.NotFound("participant profile must exist before connecting a calendar")
	}
	if err != nil {
		return model.Participant{}, apperr.Internal(err)
	}
	return d.Get(ctx, principalID)
}

func (d *Directory) DisconnectCalendar(ctx context.Context, principalID string) error {
	err := d.store.ClearCalendarCredential(ctx, principalID)
	if storage.IsNotFound(err) {
		return apperr.NotFound("participant not found")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// ListCandidates returns the ids of every occupant-role participant.
func (d *Directory) ListCandidates(ctx context.Context) ([]string, error) {
	ps, err := d.store.ListParticipants(ctx, model.RoleOccupant)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.PrincipalID)
	}
	return ids, nil
}

// RefreshToken implements calendar.CredentialSource.
func (d *Directory) RefreshToken(ctx context.Context, principalID string) (string, error) {
	if d.sealer == nil {
		return "", calendar.ErrDisabled
	}
	sealed, err := d.store.GetCalendarCredential(ctx, principalID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", errors.New("calendar not connected")
		}
		return "", err
	}
	plain, err := d.sealer.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

var _ calendar.CredentialSource = (*Directory)(nil)
