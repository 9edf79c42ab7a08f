package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/calendar"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/directory"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/slots"
)

var (
	// ErrNotConnected means neither participant has calendar sync enabled.
	ErrNotConnected = errors.New("no participant has calendar sync enabled")
	// ErrStale means the slot changed before a created event could be attached.
	ErrStale = errors.New("slot changed before the calendar event was attached")
)

type Directory interface {
	Lookup(ctx context.Context, principalID string) (directory.Contact, error)
}

// Mirror runs single calendar operations for a slot. It is shared by the
// coordinator's inline path and the sync job worker.
type Mirror struct {
	adapter   calendar.Adapter
	directory Directory
	registry  *slots.Registry
	timeout   time.Duration
	logger    *slog.Logger
}

func NewMirror(adapter calendar.Adapter, dir Directory, registry *slots.Registry, timeout time.Duration, logger *slog.Logger) *Mirror {
	if adapter == nil {
		adapter = calendar.Disabled{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Mirror{adapter: adapter, directory: dir, registry: registry, timeout: timeout, logger: logger}
}

func (m *Mirror) Ready(ctx context.Context) error {
	return m.adapter.Ready(ctx)
}

// Create mirrors a booked slot into the organizer's calendar and attaches the
// reference. The occupant organizes when connected, otherwise the host.
func (m *Mirror) Create(ctx context.Context, slot model.Slot) (model.Slot, error) {
	host, err := m.directory.Lookup(ctx, slot.HostID)
	if err != nil {
		return slot, fmt.Errorf("lookup host: %w", err)
	}
	occupant, err := m.directory.Lookup(ctx, slot.OccupantID)
	if err != nil {
		return slot, fmt.Errorf("lookup occupant: %w", err)
	}

	var organizer string
	switch {
	case occupant.SyncEnabled:
		organizer = slot.OccupantID
	case host.SyncEnabled:
		organizer = slot.HostID
	default:
		return slot, ErrNotConnected
	}

	req := calendar.NewChatEvent(slot, organizer, host.Participant, occupant.Participant)
	callCtx, cancel := m.callCtx(ctx)
	ref, err := m.adapter.CreateEvent(callCtx, req)
	cancel()
	if err != nil {
		return slot, err
	}

	attached, err := m.registry.AttachExternalRef(context.WithoutCancel(ctx), slot, ref)
	if err == nil {
		return attached, nil
	}
	if derr := m.Delete(ctx, ref); derr != nil {
		m.logger.Warn("orphaned calendar event not removed", "slot_id", slot.ID, "ref", ref, "err", derr)
	}
	if apperr.Is(err, apperr.KindConflict) {
		return slot, ErrStale
	}
	return slot, fmt.Errorf("attach calendar event: %w", err)
}

// Delete removes a mirrored event. An event that is already gone counts as deleted.
func (m *Mirror) Delete(ctx context.Context, ref string) error {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	err := m.adapter.DeleteEvent(callCtx, ref)
	if calendar.KindOf(err) == calendar.KindNotFound {
		return nil
	}
	return err
}

func (m *Mirror) Annotate(ctx context.Context, ref string) error {
	callCtx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.adapter.AnnotateCompleted(callCtx, ref)
}

// callCtx detaches from the caller's cancellation so a committed transition
// is mirrored even if the request goes away.
func (m *Mirror) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

// Retryable reports whether a failed mirror operation is worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrStale) || errors.Is(err, calendar.ErrDisabled) {
		return false
	}
	switch calendar.KindOf(err) {
	case calendar.KindUnavailable, calendar.KindUnknown:
		return true
	default:
		return false
	}
}
