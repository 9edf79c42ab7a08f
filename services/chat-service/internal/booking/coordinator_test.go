package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/apperr"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/calendar"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/directory"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/model"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/slots"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalendar struct {
	mu        sync.Mutex
	err       error
	notReady  bool
	onCreate  func()
	next      int
	created   []calendar.EventRequest
	deleted   []string
	annotated []string
	ctxErrs   []error
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, req calendar.EventRequest) (string, error) {
	f.mu.Lock()
	f.created = append(f.created, req)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.next++
	n, err, hook := f.next, f.err, f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:evt-%d", req.OrganizerID, n), nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

func (f *fakeCalendar) AnnotateCompleted(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotated = append(f.annotated, ref)
	return f.err
}

func (f *fakeCalendar) Ready(context.Context) error {
	if f.notReady {
		return calendar.ErrDisabled
	}
	return nil
}

func (f *fakeCalendar) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type testEnv struct {
	store    *storage.Memory
	registry *slots.Registry
	cal      *fakeCalendar
	coord    *Coordinator
	mirror   *Mirror
}

func newEnv(t *testing.T, mode Mode, connected ...string) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	sealer, err := calendar.NewSealerFromHex(strings.Repeat("ab", 32))
	require.NoError(t, err)
	dir := directory.New(store, sealer)

	for _, p := range []model.Participant{
		{PrincipalID: "h1", DisplayName: "Hana", Email: "hana@example.com", Role: model.RoleHost},
		{PrincipalID: "r1", DisplayName: "Riley", Email: "riley@example.com", Role: model.RoleOccupant},
		{PrincipalID: "r2", DisplayName: "Robin", Email: "robin@example.com", Role: model.RoleOccupant},
	} {
		_, err := dir.Upsert(ctx, p)
		require.NoError(t, err)
	}
	for _, id := range connected {
		_, err := dir.ConnectCalendar(ctx, id, id+"@cal.example.com", "refresh-"+id)
		require.NoError(t, err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := slots.NewRegistry(store, slots.Config{MaxActive: 2})
	cal := &fakeCalendar{}
	mirror := NewMirror(cal, dir, registry, 0, logger)
	coord := NewCoordinator(registry, mirror, store, Config{Mode: mode, MaxJobAttempts: 3}, logger, nil)
	return &testEnv{store: store, registry: registry, cal: cal, coord: coord, mirror: mirror}
}

func (e *testEnv) slot(t *testing.T, date string) model.Slot {
	t.Helper()
	s, err := e.registry.Create(context.Background(), slots.CreateInput{
		HostID: "h1", HostDisplayName: "Hana", Date: date, Time: "10:00", Location: "Cafe",
	})
	require.NoError(t, err)
	return s
}

func TestEndToEndBookingScenario(t *testing.T) {
	e := newEnv(t, ModeInline, "r1")
	ctx := context.Background()
	s := e.slot(t, "2025-09-01")
	tSlot := e.slot(t, "2025-09-02")
	u := e.slot(t, "2025-09-03")

	res, err := e.coord.RequestBooking(ctx, s.ID, "r1", "Riley")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, res.Slot.Status)
	assert.Equal(t, "r1", res.Slot.OccupantID)
	assert.Equal(t, SyncSynced, res.Sync.Status)
	assert.Equal(t, "r1:evt-1", res.Slot.ExternalEventRef)

	_, err = e.coord.RequestBooking(ctx, tSlot.ID, "r1", "Riley")
	require.NoError(t, err)

	_, err = e.coord.RequestBooking(ctx, u.ID, "r1", "Riley")
	assert.True(t, apperr.Is(err, apperr.KindCapacityExceeded), "got %v", err)

	res, err = e.coord.RequestCancellation(ctx, s.ID, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, res.Slot.Status)
	assert.Empty(t, res.Slot.OccupantID)
	assert.Empty(t, res.Slot.OccupantDisplayName)
	assert.Empty(t, res.Slot.ExternalEventRef)
	assert.Equal(t, SyncSynced, res.Sync.Status)
	assert.Equal(t, []string{"r1:evt-1"}, e.cal.deleted)

	n, err := e.registry.CountActive(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = e.coord.RequestBooking(ctx, u.ID, "r1", "Riley")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, res.Slot.Status)

	req := e.cal.created[0]
	assert.Equal(t, "r1", req.OrganizerID)
	assert.Equal(t, "Coffee Chat: Hana & Riley", req.Title)
	assert.Len(t, req.Attendees, 2)
}

func TestConflictDistinctFromCapacity(t *testing.T) {
	e := newEnv(t, ModeInline)
	ctx := context.Background()
	s := e.slot(t, "2025-09-01")

	_, err := e.coord.RequestBooking(ctx, s.ID, "r1", "Riley")
	require.NoError(t, err)
	_, err = e.coord.RequestBooking(ctx, s.ID, "r2", "Robin")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.False(t, apperr.Is(err, apperr.KindCapacityExceeded))
}

func TestSyncSkippedWithoutConnectedParticipant(t *testing.T) {
	e := newEnv(t, ModeInline)
	s := e.slot(t, "2025-09-01")

	res, err := e.coord.RequestBooking(context.Background(), s.ID, "r1", "Riley")
	require.NoError(t, err)
	assert.Equal(t, SyncSkipped, res.Sync.Status)
	assert.Empty(t, e.cal.created)
}

func TestHostOrganizesWhenOccupantNotConnected(t *testing.T) {
	e := newEnv(t, ModeInline, "h1")
	s := e.slot(t, "2025-09-01")

	res, err := e.coord.RequestBooking(context.Background(), s.ID, "r1", "Riley")
	require.NoError(t, err)
	assert.Equal(t, "h1:evt-1", res.Slot.ExternalEventRef)
}

func TestSyncIsolationWhenCalendarAlwaysFails(t *testing.T) {
	e := newEnv(t, ModeInline, "r1")
	ctx := context.Background()
	s := e.slot(t, "2025-09-01")
	e.cal.setErr(&calendar.Error{Kind: calendar.KindUnavailable, Op: "create", Err: errors.New("503")})

	res, err := e.coord.RequestBooking(ctx, s.ID, "r1", "Riley")
	require.NoError(t, err)
	assert.Equal(t, model.StatusBooked, res.Slot.Status)
	assert.Equal(t, "r1", res.Slot.OccupantID)
	assert.Empty(t, res.Slot.ExternalEventRef)
	assert.Equal(t, SyncFailed, res.Sync.Status)
	assert.Equal(t, apperr.KindExternalSyncFailed, res.Sync.Code)
	assert.Equal(t, calendar.KindUnavailable, res.Sync.Kind)
	assert.True(t, res.Sync.Retrying)

	jobs := e.store.SyncJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, model.SyncCreate, jobs[0].Op)
	assert.Equal(t, res.Slot.Version, jobs[0].SlotVersion)

	res, err = e.coord.RequestCancellation(ctx, s.ID, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, res.Slot.Status)
	assert.Equal(t, SyncSkipped, res.Sync.Status)
}

func TestCancellationSucceedsWhenDeleteFails(t *testing.T) {
	e := newEnv(t, ModeInline, "r1")
	ctx := context.Background()
	s := e.slot(t, "2025-09-01")

	_, err := e.coord.RequestBooking(ctx, s.ID, "r1", "Riley")
	require.NoError(t, err)
	e.cal.setErr(&calendar.Error{Kind: calendar.KindUnknown, Op: "delete", Err: errors.New("boom")})

	res, err := e.coord.RequestCancellation(ctx, s.ID, "h1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, res.Slot.Status)
	assert.Empty(t, res.Slot.ExternalEventRef)
	assert.Equal(t, SyncFailed, res.Sync.Status)

	jobs := e.store.SyncJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, model.SyncDelete, jobs[0].Op)
	assert.Equal(t, "r1:evt-1", jobs[0].Ref)
}

func TestUnauthorizedCallerNeverTouchesCalendar(t *testing.T) {
	e := newEnv(t, ModeInline, "r1")
	ctx := context.Background()
	s := e.slot(t, "2025-09-01")
	_, err := e.coord.RequestBooking(ctx, s.ID, "r1", "Riley")
	require.NoError(t, err)

	_, err = e.coord.RequestCancellation(ctx, s.ID, "r2")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = e.coord.RequestOutcome(ctx, s.ID, "r1", model.StatusCompleted)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = e.coord.RequestOutcome(ctx, s.ID, "h1", "done")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	assert.Empty(t, e.cal.deleted)
	assert.Empty(t, e.cal.annotated)
}

func TestOutcomeAnnotatesOnlyCompleted(t *testing.T) {
	e := newEnv(t, ModeInline, "r1")
	ctx := context.Background()
	s1 := e.slot(t, "2025-09-01")
	s2 := e.slot(t, "2025-09-02")
	_, err := e.coord.RequestBooking(ctx, s1.ID, "r1", "Riley")
	require.NoError(t, err)
	_, err = e.coord.RequestBooking(ctx, s2.ID, "r1", "Riley")
	require.NoError(t, err)

	res, err := e.coord.RequestOutcome(ctx, s1.ID, "h1", model.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Slot.Status)
	assert.Equal(t, "r1:evt-1", res.Slot.ExternalEventRef)
	assert.Equal(t, SyncSynced, res.Sync.Status)

	res, err = e.coord.RequestOutcome(ctx, s2.ID, "h1", model.StatusNoShow)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoShow, res.Slot.Status)
	assert.Equal(t, SyncSkipped, res.Sync.Status)

	assert.Equal(t, []string{"r1:evt-1"}, e.cal.annotated)
}

func TestOrphanedEventDeletedWhenSlotChanges(t *testing.T) {
	e := newEnv(t, ModeInline, "r1")
	ctx := context.Background()
	s := e.slot(t, "2025-09-01")
	e.cal.onCreate = func() {
		_, err := e.registry.Cancel(ctx, s.ID, "r1")
		assert.NoError(t, err)
	}

	res, err := e.coord.RequestBooking(ctx, s.ID, "r1", "Riley")
	require.NoError(t, err)
	assert.Equal(t, SyncFailed, res.Sync.Status)
	assert.False(t, res.Sync.Retrying)
	assert.Equal(t, []string{"r1:evt-1"}, e.cal.deleted)
	assert.Empty(t, e.store.SyncJobs())

	current, err := e.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, current.Status)
	assert.Empty(t, current.ExternalEventRef)
}

func TestAsyncModeQueues(t *testing.T) {
	e := newEnv(t, ModeAsync, "r1")
	ctx := context.Background()
	s := e.slot(t, "2025-09-01")

	res, err := e.coord.RequestBooking(ctx, s.ID, "r1", "Riley")
	require.NoError(t, err)
	assert.Equal(t, SyncQueued, res.Sync.Status)
	assert.Empty(t, e.cal.created)

	jobs := e.store.SyncJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "r1", jobs[0].OccupantID)
	assert.Equal(t, 3, jobs[0].MaxAttempts)
}

func TestDisabledCalendarSkips(t *testing.T) {
	e := newEnv(t, ModeInline, "r1")
	e.cal.notReady = true
	s := e.slot(t, "2025-09-01")

	res, err := e.coord.RequestBooking(context.Background(), s.ID, "r1", "Riley")
	require.NoError(t, err)
	assert.Equal(t, SyncSkipped, res.Sync.Status)
	assert.Empty(t, e.cal.created)
}

func TestMirrorIgnoresCallerCancellation(t *testing.T) {
	e := newEnv(t, ModeInline)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, e.mirror.Delete(ctx, "r1:evt-9"))
	require.Len(t, e.cal.ctxErrs, 1)
	assert.NoError(t, e.cal.ctxErrs[0])
}

func TestDeleteTreatsMissingEventAsDone(t *testing.T) {
	e := newEnv(t, ModeInline)
	e.cal.setErr(&calendar.Error{Kind: calendar.KindNotFound, Op: "delete"})
	assert.NoError(t, e.mirror.Delete(context.Background(), "r1:gone"))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&calendar.Error{Kind: calendar.KindUnavailable}))
	assert.True(t, Retryable(errors.New("lookup failed")))
	assert.False(t, Retryable(&calendar.Error{Kind: calendar.KindUnauthorized}))
	assert.False(t, Retryable(&calendar.Error{Kind: calendar.KindNotFound}))
	assert.False(t, Retryable(ErrStale))
	assert.False(t, Retryable(ErrNotConnected))
	assert.False(t, Retryable(nil))
}
