package outbox

import (
	"encoding/json"
	"time"
)

// Event is the envelope written to outbox_events in the same transaction as the
// slot transition it describes. The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	AggregateSlot    = "slot"
	AggregateSyncJob = "calendar_sync_job"

	SlotCreated     = "rushchat.slot.created.v1"
	SlotBooked      = "rushchat.slot.booked.v1"
	SlotCancelled   = "rushchat.slot.cancelled.v1"
	SlotOutcome     = "rushchat.slot.outcome.v1"
	SlotDeleted     = "rushchat.slot.deleted.v1"
	CalendarSyncDLQ = "rushchat.calendar.sync.dlq.v1"
)

// SlotPayload is the body of every slot lifecycle event.
type SlotPayload struct {
	SlotID     string    `json:"slot_id"`
	HostID     string    `json:"host_id"`
	OccupantID string    `json:"occupant_id,omitempty"`
	Status     string    `json:"status"`
	ActorID    string    `json:"actor_id"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewSlotEvent(eventType string, p SlotPayload) (Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateSlot,
		AggregateID:   p.SlotID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
