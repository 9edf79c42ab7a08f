package syncjobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/booking"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/calendar"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/directory"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/outbox"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/slots"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCalendar struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (r *recordingCalendar) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.err
}

func (r *recordingCalendar) CreateEvent(_ context.Context, req calendar.EventRequest) (string, error) {
	if err := r.record("create"); err != nil {
		return "", err
	}
	return req.OrganizerID + ":evt", nil
}

func (r *recordingCalendar) DeleteEvent(_ context.Context, ref string) error {
	return r.record("delete " + ref)
}

func (r *recordingCalendar) AnnotateCompleted(_ context.Context, ref string) error {
	return r.record("annotate " + ref)
}

func (r *recordingCalendar) Ready(context.Context) error { return nil }

func (r *recordingCalendar) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

var errUnavailable = &calendar.Error{Kind: calendar.KindUnavailable, Op: "test", Err: errors.New("503")}

type testEnv struct {
	store    *storage.Memory
	registry *slots.Registry
	cal      *recordingCalendar
	worker   *Worker
	clock    time.Time
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	e := &testEnv{
		store: storage.NewMemory(),
		cal:   &recordingCalendar{},
		clock: time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return e.clock }
	e.store.SetClock(now)

	sealer, err := calendar.NewSealerFromHex(strings.Repeat("cd", 32))
	require.NoError(t, err)
	dir := directory.New(e.store, sealer)
	for _, p := range []model.Participant{
		{PrincipalID: "h1", DisplayName: "Hana", Role: model.RoleHost},
		{PrincipalID: "r1", DisplayName: "Riley", Role: model.RoleOccupant},
	} {
		_, err := dir.Upsert(ctx, p)
		require.NoError(t, err)
	}
	_, err = dir.ConnectCalendar(ctx, "r1", "riley@example.com", "refresh")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.registry = slots.NewRegistry(e.store, slots.Config{MaxActive: 2})
	mirror := booking.NewMirror(e.cal, dir, e.registry, time.Second, logger)
	e.worker = NewWorker(e.store, e.registry, mirror, logger, nil, WorkerConfig{Backoff: time.Minute})
	e.worker.now = now
	return e
}

func (e *testEnv) bookedSlot(t *testing.T) model.Slot {
	t.Helper()
	ctx := context.Background()
	s, err := e.registry.Create(ctx, slots.CreateInput{HostID: "h1", Date: "2025-09-10", Time: "10:00", Location: "Cafe"})
	require.NoError(t, err)
	s, err = e.registry.Book(ctx, s.ID, "r1", "Riley")
	require.NoError(t, err)
	return s
}

func (e *testEnv) enqueue(t *testing.T, job model.SyncJob) {
	t.Helper()
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	require.NoError(t, e.store.EnqueueSyncJob(context.Background(), job))
}

func (e *testEnv) process(t *testing.T) int {
	t.Helper()
	n, err := e.worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	return n
}

func dlqEvents(store *storage.Memory) []outbox.Event {
	var out []outbox.Event
	for _, evt := range store.Events() {
		if evt.EventType == outbox.CalendarSyncDLQ {
			out = append(out, evt)
		}
	}
	return out
}

func TestCreateJobAttachesRef(t *testing.T) {
	e := newEnv(t)
	s := e.bookedSlot(t)
	e.enqueue(t, model.SyncJob{SlotID: s.ID, Op: model.SyncCreate, SlotVersion: s.Version, OccupantID: "r1"})

	assert.Equal(t, 1, e.process(t))
	got, err := e.registry.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "r1:evt", got.ExternalEventRef)
	assert.Equal(t, 0, e.process(t))
}

func TestStaleCreateJobIsDropped(t *testing.T) {
	e := newEnv(t)
	s := e.bookedSlot(t)
	e.enqueue(t, model.SyncJob{SlotID: s.ID, Op: model.SyncCreate, SlotVersion: s.Version, OccupantID: "r1"})
	_, err := e.registry.Cancel(context.Background(), s.ID, "r1")
	require.NoError(t, err)

	assert.Equal(t, 1, e.process(t))
	assert.Empty(t, e.cal.calls)
	assert.Equal(t, 0, e.process(t))
}

func TestJobsForOneSlotRunInOrder(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, model.SyncJob{SlotID: "s1", Op: model.SyncAnnotate, Ref: "r1:x"})
	e.enqueue(t, model.SyncJob{SlotID: "s1", Op: model.SyncDelete, Ref: "r1:x"})
	e.cal.setErr(errUnavailable)

	assert.Equal(t, 1, e.process(t))
	assert.Equal(t, 0, e.process(t), "failed job blocks its slot until due")

	e.clock = e.clock.Add(2 * time.Minute)
	e.cal.setErr(nil)
	assert.Equal(t, 1, e.process(t))
	assert.Equal(t, 1, e.process(t))
	assert.Equal(t, []string{"annotate r1:x", "annotate r1:x", "delete r1:x"}, e.cal.calls)
}

func TestExhaustedJobGoesToDLQ(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, model.SyncJob{SlotID: "s1", Op: model.SyncDelete, Ref: "r1:x", MaxAttempts: 2})
	e.cal.setErr(errUnavailable)

	assert.Equal(t, 1, e.process(t))
	assert.Empty(t, dlqEvents(e.store))

	e.clock = e.clock.Add(time.Minute)
	assert.Equal(t, 1, e.process(t))

	dlq := dlqEvents(e.store)
	require.Len(t, dlq, 1)
	assert.Equal(t, "s1", dlq[0].AggregateID)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(dlq[0].Payload, &payload))
	assert.Equal(t, "max attempts reached", payload["error_reason"])
	assert.EqualValues(t, 2, payload["attempts"])

	e.clock = e.clock.Add(time.Hour)
	assert.Equal(t, 0, e.process(t))
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, model.SyncJob{SlotID: "s1", Op: model.SyncAnnotate, Ref: "r1:x"})
	e.cal.setErr(&calendar.Error{Kind: calendar.KindUnauthorized, Op: "annotate"})

	assert.Equal(t, 1, e.process(t))
	require.Len(t, dlqEvents(e.store), 1)

	jobs := e.store.SyncJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestDelayBackoff(t *testing.T) {
	w := &Worker{backoff: time.Minute}
	assert.Equal(t, time.Minute, w.delay(1))
	assert.Equal(t, 2*time.Minute, w.delay(2))
	assert.Equal(t, 4*time.Minute, w.delay(3))
	assert.Equal(t, time.Hour, w.delay(20))
}

func TestFinishedJobsPrunedHourly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.worker.retention = 24 * time.Hour

	require.NoError(t, e.store.EnqueueSyncJob(ctx, model.SyncJob{SlotID: "s1", Op: model.SyncDelete, Ref: "r1:evt", MaxAttempts: 3}))
	n, err := e.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, e.store.SyncJobs(), 1)

	e.clock = e.clock.Add(25 * time.Hour)
	e.worker.pruneFinished(ctx)
	assert.Empty(t, e.store.SyncJobs())

	require.NoError(t, e.store.EnqueueSyncJob(ctx, model.SyncJob{SlotID: "s2", Op: model.SyncDelete, Ref: "r1:evt", MaxAttempts: 3}))
	_, err = e.worker.ProcessBatch(ctx)
	require.NoError(t, err)
	e.clock = e.clock.Add(30 * time.Minute)
	e.worker.pruneFinished(ctx)
	assert.Len(t, e.store.SyncJobs(), 1, "second prune within the hour is skipped")
}
