// Package storage is the persistence boundary for chat-service. Postgres is the
// production store; Memory backs tests and local runs without DATABASE_URL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/outbox"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConditionFailed is returned by conditional writes whose precondition
	// no longer holds.
	ErrConditionFailed = errors.New("condition failed")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Tx is a transactional view of the slot collection. Reads through a Tx lock
// the row until commit.
type Tx interface {
	GetSlotForUpdate(ctx context.Context, id string) (model.Slot, error)
	InsertSlot(ctx context.Context, slot model.Slot) error
	UpdateSlot(ctx context.Context, slot model.Slot) error
	DeleteSlot(ctx context.Context, id string) error
	// LockOccupant serializes booking transactions of one occupant.
	LockOccupant(ctx context.Context, occupantID string) error
	CountActiveBookings(ctx context.Context, occupantID string) (int, error)
	AppendEvent(ctx context.Context, evt outbox.Event) error
}

type SlotStore interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	GetSlot(ctx context.Context, id string) (model.Slot, error)
	ListSlots(ctx context.Context, filter model.SlotFilter) ([]model.Slot, error)
	// AttachExternalRef sets the event reference only while the slot is still
	// booked at expect.Version by expect.OccupantID.
	AttachExternalRef(ctx context.Context, expect model.Slot, ref string) (model.Slot, error)
}

type RankingStore interface {
	PutRanking(ctx context.Context, r model.Ranking) error
	GetRanking(ctx context.Context, rankerID string) (model.Ranking, error)
	ListRankings(ctx context.Context) ([]model.Ranking, error)
}

type DirectoryStore interface {
	UpsertParticipant(ctx context.Context, p model.Participant) (model.Participant, error)
	GetParticipant(ctx context.Context, principalID string) (model.Participant, error)
	ListParticipants(ctx context.Context, role model.Role) ([]model.Participant, error)
	SetCalendarCredential(ctx context.Context, principalID, calendarEmail string, sealed []byte, at time.Time) error
	ClearCalendarCredential(ctx context.Context, principalID string) error
	GetCalendarCredential(ctx context.Context, principalID string) ([]byte, error)
}

type SyncJobStore interface {
	EnqueueSyncJob(ctx context.Context, job model.SyncJob) error
	// ClaimSyncJobs leases up to limit due jobs, at most one per slot, and only
	// when no earlier pending job exists for that slot.
	ClaimSyncJobs(ctx context.Context, limit int, lease time.Duration) ([]model.SyncJob, error)
	CompleteSyncJob(ctx context.Context, id int64) error
	// FailSyncJob records a failed attempt. A non-nil dlq marks the job dead and
	// writes the event atomically.
	FailSyncJob(ctx context.Context, job model.SyncJob, nextRunAt time.Time, lastErr string, dlq *outbox.Event) error
	// PruneSyncJobs deletes done and dead jobs last touched before retention ago.
	PruneSyncJobs(ctx context.Context, retention time.Duration) (int64, error)
}

type Store interface {
	SlotStore
	RankingStore
	DirectoryStore
	SyncJobStore
	Ping(ctx context.Context) error
}
