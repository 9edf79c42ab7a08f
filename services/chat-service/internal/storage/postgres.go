package storage

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/rushchat/libs/db"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/outbox"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on pgx. Slot transitions lock the slot row with
// SELECT ... FOR UPDATE and occupants with a transaction-scoped advisory lock.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, outboxRepo *outbox.Repository) *Postgres {
	return &Postgres{pool: pool, outbox: outboxRepo}
}

// Migrate applies the idempotent schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error {
	return db.ReadyCheck(p.pool)(ctx)
}

func (p *Postgres) InTx(ctx context.Context, fn func(Tx) error) error {
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, outbox: p.outbox})
	})
}

const slotColumns = `id, host_id, host_display_name, slot_date, slot_time, location, status,
	COALESCE(occupant_id, ''), COALESCE(occupant_display_name, ''), COALESCE(external_event_ref, ''),
	version, created_at, updated_at`

func scanSlot(row pgx.Row) (model.Slot, error) {
	var s model.Slot
	var status string
	err := row.Scan(&s.ID, &s.HostID, &s.HostDisplayName, &s.Date, &s.Time, &s.Location, &status,
		&s.OccupantID, &s.OccupantDisplayName, &s.ExternalEventRef, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Slot{}, ErrNotFound
	}
	if err != nil {
		return model.Slot{}, err
	}
	s.Status = model.SlotStatus(status)
	return s, nil
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) GetSlotForUpdate(ctx context.Context, id string) (model.Slot, error) {
	return scanSlot(t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) InsertSlot(ctx context.Context, s model.Slot) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO slots (id, host_id, host_display_name, slot_date, slot_time, location, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.HostID, s.HostDisplayName, s.Date, s.Time, s.Location, string(s.Status), s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (t *pgTx) UpdateSlot(ctx context.Context, s model.Slot) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE slots
		SET status = $2,
			occupant_id = NULLIF($3, ''),
			occupant_display_name = NULLIF($4, ''),
			external_event_ref = NULLIF($5, ''),
			version = $6,
			updated_at = $7
		WHERE id = $1
	`, s.ID, string(s.Status), s.OccupantID, s.OccupantDisplayName, s.ExternalEventRef, s.Version, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteSlot(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM slots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) LockOccupant(ctx context.Context, occupantID string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('occupant:' || $1, 0))`, occupantID)
	return err
}

func (t *pgTx) CountActiveBookings(ctx context.Context, occupantID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM slots WHERE occupant_id = $1 AND status = 'booked'`, occupantID).Scan(&n)
	return n, err
}

func (t *pgTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

func (p *Postgres) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	return scanSlot(p.pool.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id))
}

func (p *Postgres) ListSlots(ctx context.Context, f model.SlotFilter) ([]model.Slot, error) {
	if f.AvailableOnly && f.Status != "" && f.Status != model.StatusAvailable {
		return []model.Slot{}, nil
	}
	status := string(f.Status)
	if f.AvailableOnly {
		status = string(model.StatusAvailable)
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE ($1::text = '' OR host_id = $1)
			AND ($2::text = '' OR occupant_id = $2)
			AND ($3::text = '' OR status = $3)
		ORDER BY slot_date, slot_time, id
	`, f.HostID, f.OccupantID, status)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Slot, error) {
		return scanSlot(row)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Slot{}
	}
	return out, nil
}

func (p *Postgres) AttachExternalRef(ctx context.Context, expect model.Slot, ref string) (model.Slot, error) {
	s, err := scanSlot(p.pool.QueryRow(ctx, `
		UPDATE slots
		SET external_event_ref = $4, updated_at = now()
		WHERE id = $1 AND status = 'booked' AND occupant_id = $2 AND version = $3
		RETURNING `+slotColumns, expect.ID, expect.OccupantID, expect.Version, ref))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := p.GetSlot(ctx, expect.ID); getErr != nil {
			return model.Slot{}, getErr
		}
		return model.Slot{}, ErrConditionFailed
	}
	return s, err
}

func (p *Postgres) PutRanking(ctx context.Context, r model.Ranking) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO rankings (ranker_id, candidates, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ranker_id) DO UPDATE
		SET candidates = EXCLUDED.candidates, updated_at = EXCLUDED.updated_at
	`, r.RankerID, r.Candidates, r.UpdatedAt)
	return err
}

func (p *Postgres) GetRanking(ctx context.Context, rankerID string) (model.Ranking, error) {
	var r model.Ranking
	err := p.pool.QueryRow(ctx, `SELECT ranker_id, candidates, updated_at FROM rankings WHERE ranker_id = $1`, rankerID).
		Scan(&r.RankerID, &r.Candidates, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Ranking{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListRankings(ctx context.Context) ([]model.Ranking, error) {
	rows, err := p.pool.Query(ctx, `SELECT ranker_id, candidates, updated_at FROM rankings ORDER BY ranker_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Ranking, error) {
		var r model.Ranking
		err := row.Scan(&r.RankerID, &r.Candidates, &r.UpdatedAt)
		return r, err
	})
}

const participantColumns = `principal_id, display_name, email, role, calendar_email, calendar_connected, connected_at, updated_at`

func scanParticipant(row pgx.Row) (model.Participant, error) {
	var pt model.Participant
	var role string
	err := row.Scan(&pt.PrincipalID, &pt.DisplayName, &pt.Email, &role, &pt.CalendarEmail, &pt.CalendarConnected, &pt.ConnectedAt, &pt.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Participant{}, ErrNotFound
	}
	pt.Role = model.Role(role)
	return pt, err
}

func (p *Postgres) UpsertParticipant(ctx context.Context, pt model.Participant) (model.Participant, error) {
	return scanParticipant(p.pool.QueryRow(ctx, `
		INSERT INTO participants (principal_id, display_name, email, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (principal_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			updated_at = now()
		RETURNING `+participantColumns, pt.PrincipalID, pt.DisplayName, pt.Email, string(pt.Role)))
}

func (p *Postgres) GetParticipant(ctx context.Context, principalID string) (model.Participant, error) {
	return scanParticipant(p.pool.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE principal_id = $1`, principalID))
}

func (p *Postgres) ListParticipants(ctx context.Context, role model.Role) ([]model.Participant, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE ($1::text = '' OR role = $1)
		ORDER BY principal_id
	`, string(role))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Participant, error) {
		return scanParticipant(row)
	})
}

func (p *Postgres) SetCalendarCredential(ctx context.Context, principalID, calendarEmail string, sealed []byte, at time.Time) error {
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE participants
			SET calendar_email = $2, calendar_connected = true, connected_at = $3, updated_at = now()
			WHERE principal_id = $1
		`, principalID, calendarEmail, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO calendar_credentials (principal_id, sealed_refresh_token)
			VALUES ($1, $2)
			ON CONFLICT (principal_id) DO UPDATE
			SET sealed_refresh_token = EXCLUDED.sealed_refresh_token, updated_at = now()
		`, principalID, sealed)
		return err
	})
}

func (p *Postgres) ClearCalendarCredential(ctx context.Context, principalID string) error {
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE participants
			SET calendar_connected = false, connected_at = NULL, updated_at = now()
			WHERE principal_id = $1
		`, principalID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM calendar_credentials WHERE principal_id = $1`, principalID)
		return err
	})
}

func (p *Postgres) GetCalendarCredential(ctx context.Context, principalID string) ([]byte, error) {
	var sealed []byte
	err := p.pool.QueryRow(ctx, `SELECT sealed_refresh_token FROM calendar_credentials WHERE principal_id = $1`, principalID).Scan(&sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sealed, err
}
