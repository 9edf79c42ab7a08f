// Package slots owns slot state transitions. Every mutation is a single
// read-check-write transaction against the store.
package slots

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/rushchat/libs/db"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/outbox"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/storage"
)

type Config struct {
	// MaxActive caps an occupant's slots in booked state. Zero disables the cap.
	MaxActive    int
	StoreTimeout time.Duration
}

type Registry struct {
	store        storage.SlotStore
	maxActive    int
	storeTimeout time.Duration
	now          func() time.Time
	newID        func() string
}

func NewRegistry(store storage.SlotStore, cfg Config) *Registry {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Registry{
		store:        store,
		maxActive:    cfg.MaxActive,
		storeTimeout: cfg.StoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

func (r *Registry) MaxActive() int { return r.maxActive }

type CreateInput struct {
	HostID          string
	HostDisplayName string
	Date            string
	Time            string
	Location        string
}

func (r *Registry) Create(ctx context.Context, in CreateInput) (model.Slot, error) {
	in.HostID = strings.TrimSpace(in.HostID)
	in.HostDisplayName = strings.TrimSpace(in.HostDisplayName)
	in.Date = strings.TrimSpace(in.Date)
	in.Time = strings.TrimSpace(in.Time)
	in.Location = strings.TrimSpace(in.Location)

	if in.HostID == "" {
		return model.Slot{}, apperr.Validation("host_id is required")
	}
	if in.Date == "" || in.Time == "" || in.Location == "" {
		return model.Slot{}, apperr.Validation("date, time and location are required")
	}
	if _, err := time.Parse(model.DateLayout, in.Date); err != nil {
		return model.Slot{}, apperr.Validation("date must be YYYY-MM-DD")
	}
	if _, err := time.Parse(model.TimeLayout, in.Time); err != nil {
		return model.Slot{}, apperr.Validation("time must be HH:MM")
	}

	now := r.now()
	slot := model.Slot{
		ID:              r.newID(),
		HostID:          in.HostID,
		HostDisplayName: in.HostDisplayName,
		Date:            in.Date,
		Time:            in.Time,
		Location:        in.Location,
		Status:          model.StatusAvailable,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := r.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertSlot(ctx, slot); err != nil {
			return err
		}
		return appendSlotEvent(ctx, tx, outbox.SlotCreated, slot, in.HostID)
	})
	if err != nil {
		return model.Slot{}, err
	}
	return slot, nil
}

// Book assigns the slot to occupantID. The occupant's active-booking count is
// checked in the same transaction, after an occupant-scoped lock, so two
// concurrent requests from one occupant cannot both pass the cap.
func (r *Registry) Book(ctx context.Context, slotID, occupantID, occupantDisplayName string) (model.Slot, error) {
	slotID = strings.TrimSpace(slotID)
	occupantID = strings.TrimSpace(occupantID)
	if slotID == "" || occupantID == "" {
		return model.Slot{}, apperr.Validation("slot id and occupant id are required")
	}

	var booked model.Slot
	err := r.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.LockOccupant(ctx, occupantID); err != nil {
			return err
		}
		if r.maxActive > 0 {
			n, err := tx.CountActiveBookings(ctx, occupantID)
			if err != nil {
				return err
			}
			if n >= r.maxActive {
				return apperr.Capacity("maximum active bookings reached")
			}
		}

		slot, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.HostID == occupantID {
			return apperr.Forbidden("host cannot book their own slot")
		}
		if slot.Status != model.StatusAvailable {
			return apperr.Conflict("slot is no longer available")
		}

		slot.Status = model.StatusBooked
		slot.OccupantID = occupantID
		slot.OccupantDisplayName = strings.TrimSpace(occupantDisplayName)
		slot.ExternalEventRef = ""
		r.bump(&slot)
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		booked = slot
		return appendSlotEvent(ctx, tx, outbox.SlotBooked, slot, occupantID)
	})
	if err != nil {
		return model.Slot{}, err
	}
	return booked, nil
}

// Cancelled is the result of Cancel. ReleasedRef is the external event
// reference the slot carried at the moment it was released.
type Cancelled struct {
	Slot        model.Slot
	ReleasedRef string
}

func (r *Registry) Cancel(ctx context.Context, slotID, requesterID string) (Cancelled, error) {
	var out Cancelled
	err := r.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		slot, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if err := CheckCancel(slot, requesterID); err != nil {
			return err
		}

		out.ReleasedRef = slot.ExternalEventRef
		prevOccupant := slot.OccupantID
		slot.Status = model.StatusAvailable
		slot.OccupantID = ""
		slot.OccupantDisplayName = ""
		slot.ExternalEventRef = ""
		r.bump(&slot)
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		out.Slot = slot

		payloadSlot := slot
		payloadSlot.OccupantID = prevOccupant
		return appendSlotEvent(ctx, tx, outbox.SlotCancelled, payloadSlot, requesterID)
	})
	if err != nil {
		return Cancelled{}, err
	}
	return out, nil
}

func (r *Registry) MarkOutcome(ctx context.Context, slotID, requesterID string, outcome model.SlotStatus) (model.Slot, error) {
	if outcome != model.StatusCompleted && outcome != model.StatusNoShow {
		return model.Slot{}, apperr.Validation("outcome must be completed or no-show")
	}

	var updated model.Slot
	err := r.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		slot, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if err := CheckOutcome(slot, requesterID); err != nil {
			return err
		}
		slot.Status = outcome
		r.bump(&slot)
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		updated = slot
		return appendSlotEvent(ctx, tx, outbox.SlotOutcome, slot, requesterID)
	})
	if err != nil {
		return model.Slot{}, err
	}
	return updated, nil
}

func (r *Registry) Delete(ctx context.Context, slotID, requesterID string) error {
	return r.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		slot, err := tx.GetSlotForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.HostID != requesterID {
			return apperr.Forbidden("only the host can delete a slot")
		}
		if slot.Status != model.StatusAvailable {
			return apperr.Conflict("only available slots can be deleted")
		}
		if err := tx.DeleteSlot(ctx, slot.ID); err != nil {
			return err
		}
		return appendSlotEvent(ctx, tx, outbox.SlotDeleted, slot, requesterID)
	})
}

// AttachExternalRef records the mirrored event for a booking. It only applies
// while the slot is still in the booked state described by booked.
func (r *Registry) AttachExternalRef(ctx context.Context, booked model.Slot, ref string) (model.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	slot, err := r.store.AttachExternalRef(ctx, booked, ref)
	if errors.Is(err, storage.ErrConditionFailed) {
		return model.Slot{}, apperr.Conflict("slot changed before the calendar event was attached")
	}
	if err != nil {
		return model.Slot{}, mapStoreErr(err)
	}
	return slot, nil
}

func (r *Registry) Get(ctx context.Context, slotID string) (model.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	slot, err := r.store.GetSlot(ctx, slotID)
	if err != nil {
		return model.Slot{}, mapStoreErr(err)
	}
	return slot, nil
}

func (r *Registry) List(ctx context.Context, filter model.SlotFilter) ([]model.Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	out, err := r.store.ListSlots(ctx, filter)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return out, nil
}

func (r *Registry) Summary(ctx context.Context, filter model.SlotFilter) (model.SlotSummary, error) {
	filter.Status = ""
	filter.AvailableOnly = false
	all, err := r.List(ctx, filter)
	if err != nil {
		return model.SlotSummary{}, err
	}
	return model.Summarize(all), nil
}

// CountActive returns how many slots occupantID currently holds in booked state.
func (r *Registry) CountActive(ctx context.Context, occupantID string) (int, error) {
	booked, err := r.List(ctx, model.SlotFilter{OccupantID: occupantID, Status: model.StatusBooked})
	if err != nil {
		return 0, err
	}
	return len(booked), nil
}

// CheckCancel validates authority and state for a cancellation without writing.
func CheckCancel(slot model.Slot, requesterID string) error {
	if requesterID == "" || (requesterID != slot.OccupantID && requesterID != slot.HostID) {
		return apperr.Forbidden("only the occupant or the host can cancel this booking")
	}
	if slot.Status != model.StatusBooked {
		return apperr.Conflict("slot is not booked")
	}
	return nil
}

// CheckOutcome validates authority and state for recording an outcome.
func CheckOutcome(slot model.Slot, requesterID string) error {
	if requesterID == "" || requesterID != slot.HostID {
		return apperr.Forbidden("only the host can record an outcome")
	}
	if slot.Status != model.StatusBooked {
		return apperr.Conflict("slot is not booked")
	}
	return nil
}

func (r *Registry) bump(slot *model.Slot) {
	slot.Version++
	slot.UpdatedAt = r.now()
}

func (r *Registry) inTx(ctx context.Context, fn func(context.Context, storage.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		return fn(ctx, tx)
	})
	return mapStoreErr(err)
}

func appendSlotEvent(ctx context.Context, tx storage.Tx, eventType string, slot model.Slot, actorID string) error {
	evt, err := outbox.NewSlotEvent(eventType, outbox.SlotPayload{
		SlotID:     slot.ID,
		HostID:     slot.HostID,
		OccupantID: slot.OccupantID,
		Status:     string(slot.Status),
		ActorID:    actorID,
		Version:    slot.Version,
		OccurredAt: slot.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, evt)
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case storage.IsNotFound(err):
		return apperr.NotFound("slot not found")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), db.IsTransient(err):
		return apperr.Unavailable(err)
	default:
		return apperr.Internal(err)
	}
}
