// Package syncjobs retries calendar mirror operations that could not run
// inline. Jobs for one slot run strictly in enqueue order.
package syncjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otelx "github.com/md-rashed-zaman/rushchat/libs/otel"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/booking"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/metrics"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/outbox"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/slots"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/storage"
)

const (
	maxBackoff = time.Hour
	pruneEvery = time.Hour
)

const (
	resultDone  = "done"
	resultStale = "stale"
	resultRetry = "retry"
	resultDead  = "dead"
)

type Worker struct {
	jobs      storage.SyncJobStore
	registry  *slots.Registry
	mirror    *booking.Mirror
	logger    *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
	backoff   time.Duration
	lease     time.Duration
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	Backoff   time.Duration
	// Lease bounds how long a claimed job stays invisible to other workers.
	Lease     time.Duration
	// Retention is how long done and dead jobs are kept; zero keeps them.
	Retention time.Duration
}

func NewWorker(jobs storage.SyncJobStore, registry *slots.Registry, mirror *booking.Mirror, logger *slog.Logger, m *metrics.Metrics, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Minute
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &Worker{
		jobs:      jobs,
		registry:  registry,
		mirror:    mirror,
		logger:    logger,
		metrics:   m,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		backoff:   cfg.Backoff,
		lease:     cfg.Lease,
		retention: cfg.Retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessBatch(ctx); err != nil {
				w.logger.Error("calendar sync batch failed", "err", err)
			}
			w.pruneFinished(ctx)
		}
	}
}

// pruneFinished drops finished jobs past retention, at most once per hour.
func (w *Worker) pruneFinished(ctx context.Context) {
	if w.retention <= 0 || w.now().Sub(w.lastPrune) < pruneEvery {
		return
	}
	w.lastPrune = w.now()
	n, err := w.jobs.PruneSyncJobs(ctx, w.retention)
	if err != nil {
		w.logger.Warn("calendar sync job prune failed", "err", err)
		return
	}
	if n > 0 {
		w.logger.Info("calendar sync jobs pruned", "deleted", n)
	}
}

// ProcessBatch claims due jobs and runs each once. It returns the number of
// jobs claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	if err := w.mirror.Ready(ctx); err != nil {
		return 0, nil
	}
	jobs, err := w.jobs.ClaimSyncJobs(ctx, w.batchSize, w.lease)
	if err != nil {
		return 0, err
	}

	for _, job := range jobs {
		jobCtx := otelx.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)
		result, runErr := w.run(jobCtx, job)
		if runErr == nil {
			if err := w.jobs.CompleteSyncJob(ctx, job.ID); err != nil {
				return len(jobs), err
			}
			w.metrics.SyncJob(string(job.Op), result)
			continue
		}

		result, err := w.fail(jobCtx, job, runErr)
		if err != nil {
			return len(jobs), err
		}
		w.metrics.SyncJob(string(job.Op), result)
	}
	return len(jobs), nil
}

func (w *Worker) run(ctx context.Context, job model.SyncJob) (string, error) {
	switch job.Op {
	case model.SyncCreate:
		slot, err := w.registry.Get(ctx, job.SlotID)
		if apperr.Is(err, apperr.KindNotFound) {
			return resultStale, nil
		}
		if err != nil {
			return "", err
		}
		if slot.Status != model.StatusBooked || slot.OccupantID != job.OccupantID ||
			slot.Version != job.SlotVersion || slot.ExternalEventRef != "" {
			return resultStale, nil
		}
		_, err = w.mirror.Create(ctx, slot)
		if errors.Is(err, booking.ErrNotConnected) || errors.Is(err, booking.ErrStale) {
			return resultStale, nil
		}
		if err != nil {
			return "", err
		}
		return resultDone, nil
	case model.SyncDelete:
		return resultDone, w.mirror.Delete(ctx, job.Ref)
	case model.SyncAnnotate:
		return resultDone, w.mirror.Annotate(ctx, job.Ref)
	default:
		return "", fmt.Errorf("unknown sync op %q", job.Op)
	}
}

func (w *Worker) fail(ctx context.Context, job model.SyncJob, runErr error) (string, error) {
	job.Attempts++
	w.logger.Warn("calendar sync job failed",
		"slot_id", job.SlotID, "op", string(job.Op), "attempt", job.Attempts, "err", runErr)

	nextRunAt := w.now().Add(w.delay(job.Attempts))
	if booking.Retryable(runErr) && job.Attempts < job.MaxAttempts {
		return resultRetry, w.jobs.FailSyncJob(ctx, job, nextRunAt, runErr.Error(), nil)
	}

	reason := "max attempts reached"
	if !booking.Retryable(runErr) {
		reason = "not retryable"
	}
	dlq, err := dlqEvent(job, reason, runErr, w.now())
	if err != nil {
		return "", err
	}
	return resultDead, w.jobs.FailSyncJob(ctx, job, nextRunAt, runErr.Error(), &dlq)
}

func (w *Worker) delay(attempts int) time.Duration {
	d := w.backoff
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

func dlqEvent(job model.SyncJob, reason string, cause error, at time.Time) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"job_id":       job.ID,
		"slot_id":      job.SlotID,
		"op":           job.Op,
		"ref":          job.Ref,
		"attempts":     job.Attempts,
		"error_reason": reason,
		"last_error":   cause.Error(),
		"failed_at":    at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: outbox.AggregateSyncJob,
		AggregateID:   job.SlotID,
		EventType:     outbox.CalendarSyncDLQ,
		Payload:       payload,
	}, nil
}
