package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	otelx "github.com/md-rashed-zaman/rushchat/libs/otel"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/outbox"
)

const syncJobColumns = `id, slot_id, op, slot_version, occupant_id, ref, attempts, max_attempts, next_run_at, last_error, traceparent, tracestate`

func (p *Postgres) EnqueueSyncJob(ctx context.Context, job model.SyncJob) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := p.pool.Exec(ctx, `
		INSERT INTO calendar_sync_jobs (slot_id, op, slot_version, occupant_id, ref, max_attempts, next_run_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::timestamptz, now()), $8, $9)
	`, job.SlotID, string(job.Op), job.SlotVersion, job.OccupantID, job.Ref, job.MaxAttempts, nullTime(job.NextRunAt), traceparent, tracestate)
	return err
}

func (p *Postgres) ClaimSyncJobs(ctx context.Context, limit int, lease time.Duration) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH due AS (
				SELECT j.id
				FROM calendar_sync_jobs j
				WHERE j.status = 'pending'
					AND j.next_run_at <= now()
					AND (j.locked_until IS NULL OR j.locked_until <= now())
					AND NOT EXISTS (
						SELECT 1 FROM calendar_sync_jobs e
						WHERE e.slot_id = j.slot_id AND e.status = 'pending' AND e.id < j.id
					)
				ORDER BY j.id
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE calendar_sync_jobs j
			SET locked_until = now() + make_interval(secs => $2::double precision), updated_at = now()
			FROM due
			WHERE j.id = due.id
			RETURNING j.id, j.slot_id, j.op, j.slot_version, j.occupant_id, j.ref, j.attempts, j.max_attempts,
				j.next_run_at, j.last_error, j.traceparent, j.tracestate
		`, limit, lease.Seconds())
		if err != nil {
			return err
		}
		jobs, err = pgx.CollectRows(rows, scanSyncJob)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanSyncJob(row pgx.CollectableRow) (model.SyncJob, error) {
	var j model.SyncJob
	var op string
	err := row.Scan(&j.ID, &j.SlotID, &op, &j.SlotVersion, &j.OccupantID, &j.Ref, &j.Attempts, &j.MaxAttempts,
		&j.NextRunAt, &j.LastError, &j.Traceparent, &j.Tracestate)
	j.Op = model.SyncOp(op)
	return j, err
}

func (p *Postgres) CompleteSyncJob(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE calendar_sync_jobs
		SET status = 'done', locked_until = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FailSyncJob(ctx context.Context, job model.SyncJob, nextRunAt time.Time, lastErr string, dlq *outbox.Event) error {
	status := jobPending
	if dlq != nil {
		status = jobDead
	}
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE calendar_sync_jobs
			SET attempts = $2,
				status = $3,
				next_run_at = $4,
				last_error = $5,
				locked_until = NULL,
				updated_at = now()
			WHERE id = $1
		`, job.ID, job.Attempts, status, nextRunAt, lastErr)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if dlq == nil {
			return nil
		}
		return p.outbox.Insert(ctx, tx, *dlq)
	})
}

func (p *Postgres) PruneSyncJobs(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM calendar_sync_jobs
		WHERE status IN ('done', 'dead') AND updated_at < now() - make_interval(secs => $1::double precision)
	`, retention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Store = (*Postgres)(nil)
var _ Store = (*Memory)(nil)
