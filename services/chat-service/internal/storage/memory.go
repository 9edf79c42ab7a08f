package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/outbox"
)

const (
	jobPending = "pending"
	jobDone    = "done"
	jobDead    = "dead"
)

type memJob struct {
	job         model.SyncJob
	status      string
	lockedUntil time.Time
	finishedAt  time.Time
}

// Memory is a process-local Store. Transactions hold an exclusive lock and
// stage their writes, which are applied only when fn returns nil.
type Memory struct {
	mu           sync.RWMutex
	now          func() time.Time
	slots        map[string]model.Slot
	rankings     map[string]model.Ranking
	participants map[string]model.Participant
	creds        map[string][]byte
	jobs         []*memJob
	events       []outbox.Event
	nextJobID    int64
}

func NewMemory() *Memory {
	return &Memory{
		now:          func() time.Time { return time.Now().UTC() },
		slots:        map[string]model.Slot{},
		rankings:     map[string]model.Ranking{},
		participants: map[string]model.Participant{},
		creds:        map[string][]byte{},
	}
}

// SetClock overrides the time source used for timestamps and job due checks.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// Events returns a copy of every event appended by committed transactions.
func (m *Memory) Events() []outbox.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}

// SyncJobs returns a snapshot of all jobs, including finished ones.
func (m *Memory) SyncJobs() []model.SyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SyncJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.job)
	}
	return out
}

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m, writes: map[string]*model.Slot{}}
	if err := fn(tx); err != nil {
		return err
	}
	for id, s := range tx.writes {
		if s == nil {
			delete(m.slots, id)
			continue
		}
		m.slots[id] = *s
	}
	m.events = append(m.events, tx.events...)
	return nil
}

type memTx struct {
	m      *Memory
	writes map[string]*model.Slot
	events []outbox.Event
}

func (t *memTx) lookup(id string) (model.Slot, bool) {
	if s, ok := t.writes[id]; ok {
		if s == nil {
			return model.Slot{}, false
		}
		return *s, true
	}
	s, ok := t.m.slots[id]
	return s, ok
}

func (t *memTx) GetSlotForUpdate(ctx context.Context, id string) (model.Slot, error) {
	if err := ctx.Err(); err != nil {
		return model.Slot{}, err
	}
	s, ok := t.lookup(id)
	if !ok {
		return model.Slot{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) InsertSlot(_ context.Context, slot model.Slot) error {
	if _, ok := t.lookup(slot.ID); ok {
		return ErrConditionFailed
	}
	t.writes[slot.ID] = &slot
	return nil
}

func (t *memTx) UpdateSlot(_ context.Context, slot model.Slot) error {
	if _, ok := t.lookup(slot.ID); !ok {
		return ErrNotFound
	}
	t.writes[slot.ID] = &slot
	return nil
}

func (t *memTx) DeleteSlot(_ context.Context, id string) error {
	if _, ok := t.lookup(id); !ok {
		return ErrNotFound
	}
	t.writes[id] = nil
	return nil
}

func (t *memTx) LockOccupant(ctx context.Context, _ string) error {
	return ctx.Err()
}

func (t *memTx) CountActiveBookings(_ context.Context, occupantID string) (int, error) {
	n := 0
	seen := map[string]bool{}
	for id, s := range t.writes {
		seen[id] = true
		if s != nil && s.Status == model.StatusBooked && s.OccupantID == occupantID {
			n++
		}
	}
	for id, s := range t.m.slots {
		if seen[id] {
			continue
		}
		if s.Status == model.StatusBooked && s.OccupantID == occupantID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) AppendEvent(_ context.Context, evt outbox.Event) error {
	t.events = append(t.events, evt)
	return nil
}

func (m *Memory) GetSlot(ctx context.Context, id string) (model.Slot, error) {
	if err := ctx.Err(); err != nil {
		return model.Slot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return model.Slot{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSlots(ctx context.Context, filter model.SlotFilter) ([]model.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Slot{}
	for _, s := range m.slots {
		if filter.Match(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, compareSlots)
	return out, nil
}

func compareSlots(a, b model.Slot) int {
	if c := strings.Compare(a.Date, b.Date); c != 0 {
		return c
	}
	if c := strings.Compare(a.Time, b.Time); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func (m *Memory) AttachExternalRef(ctx context.Context, expect model.Slot, ref string) (model.Slot, error) {
	if err := ctx.Err(); err != nil {
		return model.Slot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[expect.ID]
	if !ok {
		return model.Slot{}, ErrNotFound
	}
	if s.Status != model.StatusBooked || s.OccupantID != expect.OccupantID || s.Version != expect.Version {
		return model.Slot{}, ErrConditionFailed
	}
	s.ExternalEventRef = ref
	s.UpdatedAt = m.now()
	m.slots[s.ID] = s
	return s, nil
}

func (m *Memory) PutRanking(ctx context.Context, r model.Ranking) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Candidates = slices.Clone(r.Candidates)
	m.rankings[r.RankerID] = r
	return nil
}

func (m *Memory) GetRanking(ctx context.Context, rankerID string) (model.Ranking, error) {
	if err := ctx.Err(); err != nil {
		return model.Ranking{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rankings[rankerID]
	if !ok {
		return model.Ranking{}, ErrNotFound
	}
	r.Candidates = slices.Clone(r.Candidates)
	return r, nil
}

func (m *Memory) ListRankings(ctx context.Context) ([]model.Ranking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Ranking, 0, len(m.rankings))
	for _, r := range m.rankings {
		r.Candidates = slices.Clone(r.Candidates)
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b model.Ranking) int { return strings.Compare(a.RankerID, b.RankerID) })
	return out, nil
}

func (m *Memory) UpsertParticipant(ctx context.Context, p model.Participant) (model.Participant, error) {
	if err := ctx.Err(); err != nil {
		return model.Participant{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.participants[p.PrincipalID]; ok {
		p.CalendarEmail = prev.CalendarEmail
		p.CalendarConnected = prev.CalendarConnected
		p.ConnectedAt = prev.ConnectedAt
	}
	p.UpdatedAt = m.now()
	m.participants[p.PrincipalID] = p
	return p, nil
}

func (m *Memory) GetParticipant(ctx context.Context, principalID string) (model.Participant, error) {
	if err := ctx.Err(); err != nil {
		return model.Participant{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[principalID]
	if !ok {
		return model.Participant{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListParticipants(ctx context.Context, role model.Role) ([]model.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Participant{}
	for _, p := range m.participants {
		if role == "" || p.Role == role {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Participant) int { return strings.Compare(a.PrincipalID, b.PrincipalID) })
	return out, nil
}

func (m *Memory) SetCalendarCredential(ctx context.Context, principalID, calendarEmail string, sealed []byte, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[principalID]
	if !ok {
		return ErrNotFound
	}
	connectedAt := at
	p.CalendarEmail = calendarEmail
	p.CalendarConnected = true
	p.ConnectedAt = &connectedAt
	p.UpdatedAt = m.now()
	m.participants[principalID] = p
	m.creds[principalID] = slices.Clone(sealed)
	return nil
}

func (m *Memory) ClearCalendarCredential(ctx context.Context, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[principalID]
	if !ok {
		return ErrNotFound
	}
	p.CalendarConnected = false
	p.ConnectedAt = nil
	p.UpdatedAt = m.now()
	m.participants[principalID] = p
	delete(m.creds, principalID)
	return nil
}

func (m *Memory) GetCalendarCredential(ctx context.Context, principalID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sealed, ok := m.creds[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(sealed), nil
}

func (m *Memory) EnqueueSyncJob(ctx context.Context, job model.SyncJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextJobID++
	job.ID = m.nextJobID
	job.Attempts = 0
	if job.NextRunAt.IsZero() {
		job.NextRunAt = m.now()
	}
	m.jobs = append(m.jobs, &memJob{job: job, status: jobPending})
	return nil
}

func (m *Memory) ClaimSyncJobs(ctx context.Context, limit int, lease time.Duration) ([]model.SyncJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	blocked := map[string]bool{}
	var out []model.SyncJob
	for _, j := range m.jobs {
		if j.status != jobPending {
			continue
		}
		if blocked[j.job.SlotID] {
			continue
		}
		blocked[j.job.SlotID] = true
		if len(out) >= limit || j.job.NextRunAt.After(now) || j.lockedUntil.After(now) {
			continue
		}
		j.lockedUntil = now.Add(lease)
		out = append(out, j.job)
	}
	return out, nil
}

func (m *Memory) findJob(id int64) *memJob {
	for _, j := range m.jobs {
		if j.job.ID == id {
			return j
		}
	}
	return nil
}

func (m *Memory) CompleteSyncJob(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.findJob(id)
	if j == nil {
		return ErrNotFound
	}
	j.status = jobDone
	j.lockedUntil = time.Time{}
	j.finishedAt = m.now()
	return nil
}

func (m *Memory) PruneSyncJobs(ctx context.Context, retention time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-retention)
	kept := m.jobs[:0]
	var pruned int64
	for _, j := range m.jobs {
		if j.status != jobPending && j.finishedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, j)
	}
	clear(m.jobs[len(kept):])
	m.jobs = kept
	return pruned, nil
}

func (m *Memory) FailSyncJob(ctx context.Context, job model.SyncJob, nextRunAt time.Time, lastErr string, dlq *outbox.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.findJob(job.ID)
	if j == nil {
		return ErrNotFound
	}
	j.job.Attempts = job.Attempts
	j.job.NextRunAt = nextRunAt
	j.job.LastError = lastErr
	j.lockedUntil = time.Time{}
	if dlq != nil {
		j.status = jobDead
		j.finishedAt = m.now()
		m.events = append(m.events, *dlq)
	}
	return nil
}
