package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/rushchat/libs/db"
	otelx "github.com/md-rashed-zaman/rushchat/libs/otel"
)

// Repository persists events in outbox_events. Insert joins the caller's
// transaction; Drain, Pending and Prune use the pool directly.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert records evt inside tx, capturing the active trace so the published
// message continues the request that caused it.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	return err
}

type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

// Drain locks up to limit of the oldest pending rows, passes them to send in id
// order and marks them published only when send succeeds. SKIP LOCKED lets
// several replicas drain without sending a row twice.
func (r *Repository) Drain(ctx context.Context, limit int, send func([]Record) error) (int, error) {
	var n int
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, event_id::text, aggregate_type, aggregate_id, event_type, payload,
				COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
			var rcd Record
			err := row.Scan(&rcd.ID, &rcd.EventID, &rcd.AggregateType, &rcd.AggregateID, &rcd.EventType,
				&rcd.Payload, &rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt)
			return rcd, err
		})
		if err != nil || len(records) == 0 {
			return err
		}
		if err := send(records); err != nil {
			return err
		}

		ids := make([]int64, len(records))
		for i, rcd := range records {
			ids[i] = rcd.ID
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids); err != nil {
			return err
		}
		n = len(records)
		return nil
	})
	return n, err
}

func (r *Repository) Pending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE published_at IS NULL`).Scan(&n)
	return n, err
}

// Prune deletes published rows older than retention.
func (r *Repository) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE published_at IS NOT NULL AND published_at < now() - make_interval(secs => $1)
	`, retention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
