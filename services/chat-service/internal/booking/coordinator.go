// Package booking sequences slot transitions with their calendar mirror. The
// transition is authoritative; mirroring only ever adds an advisory report.
package booking

import (
	"context"
	"errors"
	"log/slog"

	otelx "github.com/md-rashed-zaman/rushchat/libs/otel"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/calendar"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/metrics"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/slots"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Mode string

const (
	ModeInline Mode = "inline"
	ModeAsync  Mode = "async"
)

type SyncStatus string

const (
	SyncSynced  SyncStatus = "synced"
	SyncSkipped SyncStatus = "skipped"
	SyncFailed  SyncStatus = "failed"
	SyncQueued  SyncStatus = "queued"
)

// SyncReport is the advisory outcome of mirroring a transition.
type SyncReport struct {
	Status   SyncStatus         `json:"status"`
	Code     apperr.Kind        `json:"code,omitempty"`
	Kind     calendar.ErrorKind `json:"kind,omitempty"`
	Error    string             `json:"error,omitempty"`
	Retrying bool               `json:"retrying,omitempty"`
}

type Result struct {
	Slot model.Slot `json:"slot"`
	Sync SyncReport `json:"sync"`
}

type JobQueue interface {
	EnqueueSyncJob(ctx context.Context, job model.SyncJob) error
}

type Config struct {
	Mode           Mode
	MaxJobAttempts int
}

type Coordinator struct {
	registry *slots.Registry
	mirror   *Mirror
	jobs     JobQueue
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewCoordinator wires the coordinator. A nil jobs queue disables retries and
// forces inline mode.
func NewCoordinator(registry *slots.Registry, mirror *Mirror, jobs JobQueue, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	if cfg.Mode != ModeAsync || jobs == nil {
		cfg.Mode = ModeInline
	}
	if cfg.MaxJobAttempts <= 0 {
		cfg.MaxJobAttempts = 5
	}
	return &Coordinator{registry: registry, mirror: mirror, jobs: jobs, cfg: cfg, logger: logger, metrics: m}
}

func (c *Coordinator) RequestBooking(ctx context.Context, slotID, occupantID, occupantDisplayName string) (Result, error) {
	ctx, end := span(ctx, "request_booking", slotID)
	slot, err := c.registry.Book(ctx, slotID, occupantID, occupantDisplayName)
	end(err)
	if err != nil {
		c.metrics.Booking(string(apperr.KindOf(err)))
		return Result{}, err
	}
	c.metrics.Booking("ok")

	if err := c.mirror.Ready(ctx); err != nil {
		return Result{Slot: slot, Sync: c.skip("create")}, nil
	}
	if c.cfg.Mode == ModeAsync {
		return Result{Slot: slot, Sync: c.enqueue(ctx, model.SyncCreate, slot, "")}, nil
	}

	mirrored, err := c.mirror.Create(ctx, slot)
	switch {
	case err == nil:
		return Result{Slot: mirrored, Sync: c.synced("create")}, nil
	case errors.Is(err, ErrNotConnected):
		return Result{Slot: slot, Sync: c.skip("create")}, nil
	default:
		return Result{Slot: slot, Sync: c.failed(ctx, model.SyncCreate, slot, "", err)}, nil
	}
}

func (c *Coordinator) RequestCancellation(ctx context.Context, slotID, requesterID string) (Result, error) {
	ctx, end := span(ctx, "request_cancellation", slotID)
	current, err := c.registry.Get(ctx, slotID)
	if err == nil {
		err = slots.CheckCancel(current, requesterID)
	}
	if err != nil {
		end(err)
		return Result{}, err
	}

	cancelled, err := c.registry.Cancel(ctx, slotID, requesterID)
	end(err)
	if err != nil {
		return Result{}, err
	}

	ref := cancelled.ReleasedRef
	if ref == "" {
		return Result{Slot: cancelled.Slot, Sync: SyncReport{Status: SyncSkipped}}, nil
	}
	return Result{Slot: cancelled.Slot, Sync: c.runRef(ctx, model.SyncDelete, cancelled.Slot, ref)}, nil
}

func (c *Coordinator) RequestOutcome(ctx context.Context, slotID, requesterID string, outcome model.SlotStatus) (Result, error) {
	if outcome != model.StatusCompleted && outcome != model.StatusNoShow {
		return Result{}, apperr.Validation("outcome must be completed or no-show")
	}
	ctx, end := span(ctx, "request_outcome", slotID)
	current, err := c.registry.Get(ctx, slotID)
	if err == nil {
		err = slots.CheckOutcome(current, requesterID)
	}
	if err != nil {
		end(err)
		return Result{}, err
	}

	updated, err := c.registry.MarkOutcome(ctx, slotID, requesterID, outcome)
	end(err)
	if err != nil {
		return Result{}, err
	}
	if outcome != model.StatusCompleted || updated.ExternalEventRef == "" {
		return Result{Slot: updated, Sync: SyncReport{Status: SyncSkipped}}, nil
	}
	return Result{Slot: updated, Sync: c.runRef(ctx, model.SyncAnnotate, updated, updated.ExternalEventRef)}, nil
}

// runRef deletes or annotates an existing event, inline or through the queue.
func (c *Coordinator) runRef(ctx context.Context, op model.SyncOp, slot model.Slot, ref string) SyncReport {
	if err := c.mirror.Ready(ctx); err != nil {
		return c.skip(string(op))
	}
	if c.cfg.Mode == ModeAsync {
		return c.enqueue(ctx, op, slot, ref)
	}

	var err error
	if op == model.SyncDelete {
		err = c.mirror.Delete(ctx, ref)
	} else {
		err = c.mirror.Annotate(ctx, ref)
	}
	if err != nil {
		return c.failed(ctx, op, slot, ref, err)
	}
	return c.synced(string(op))
}

func (c *Coordinator) synced(op string) SyncReport {
	c.metrics.CalendarSync(op, string(SyncSynced))
	return SyncReport{Status: SyncSynced}
}

func (c *Coordinator) skip(op string) SyncReport {
	c.metrics.CalendarSync(op, string(SyncSkipped))
	return SyncReport{Status: SyncSkipped}
}

func (c *Coordinator) failed(ctx context.Context, op model.SyncOp, slot model.Slot, ref string, err error) SyncReport {
	kind := calendar.KindOf(err)
	if errors.Is(err, ErrStale) {
		kind = ""
	}
	c.logger.Warn("calendar sync failed", "slot_id", slot.ID, "op", string(op), "kind", string(kind), "err", err)
	c.metrics.CalendarSync(string(op), string(SyncFailed))

	report := SyncReport{Status: SyncFailed, Code: apperr.KindExternalSyncFailed, Kind: kind, Error: err.Error()}
	if Retryable(err) && c.jobs != nil {
		if qerr := c.jobs.EnqueueSyncJob(context.WithoutCancel(ctx), c.newJob(ctx, op, slot, ref)); qerr != nil {
			c.logger.Error("enqueue calendar retry failed", "slot_id", slot.ID, "op", string(op), "err", qerr)
		} else {
			report.Retrying = true
		}
	}
	return report
}

func (c *Coordinator) enqueue(ctx context.Context, op model.SyncOp, slot model.Slot, ref string) SyncReport {
	if err := c.jobs.EnqueueSyncJob(context.WithoutCancel(ctx), c.newJob(ctx, op, slot, ref)); err != nil {
		c.logger.Error("enqueue calendar sync failed", "slot_id", slot.ID, "op", string(op), "err", err)
		c.metrics.CalendarSync(string(op), string(SyncFailed))
		return SyncReport{Status: SyncFailed, Code: apperr.KindExternalSyncFailed, Error: err.Error()}
	}
	c.metrics.CalendarSync(string(op), string(SyncQueued))
	return SyncReport{Status: SyncQueued}
}

func (c *Coordinator) newJob(ctx context.Context, op model.SyncOp, slot model.Slot, ref string) model.SyncJob {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	return model.SyncJob{
		SlotID:      slot.ID,
		Op:          op,
		SlotVersion: slot.Version,
		OccupantID:  slot.OccupantID,
		Ref:         ref,
		MaxAttempts: c.cfg.MaxJobAttempts,
		Traceparent: traceparent,
		Tracestate:  tracestate,
	}
}

func span(ctx context.Context, name, slotID string) (context.Context, func(error)) {
	ctx, s := otelx.Tracer("chat-service/booking").Start(ctx, "booking."+name)
	s.SetAttributes(attribute.String("slot.id", slotID))
	return ctx, func(err error) {
		if err != nil {
			s.SetAttributes(attribute.String("error.kind", string(apperr.KindOf(err))))
			s.SetStatus(codes.Error, err.Error())
		}
		s.End()
	}
}
