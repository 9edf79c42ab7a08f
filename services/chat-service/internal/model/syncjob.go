package model

import "time"

type SyncOp string

const (
	SyncCreate   SyncOp = "create"
	SyncDelete   SyncOp = "delete"
	SyncAnnotate SyncOp = "annotate"
)

// SyncJob is a pending calendar mirror operation for one slot. Jobs for the
// same slot are processed strictly in ID order.
type SyncJob struct {
	ID          int64     `json:"id"`
	SlotID      string    `json:"slot_id"`
	Op          SyncOp    `json:"op"`
	SlotVersion int64     `json:"slot_version"`
	OccupantID  string    `json:"occupant_id,omitempty"`
	Ref         string    `json:"ref,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	LastError   string    `json:"last_error,omitempty"`
	Traceparent string    `json:"-"`
	Tracestate  string    `json:"-"`
}
