package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conduit/pkg/config"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	memorypersistence "github.com/dukex/conduit/pkg/persistence/memory"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	requests []*models.EnqueueRequest
	failures int
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, request *models.EnqueueRequest) ([]models.ExecutionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--

		return nil, assert.AnError
	}

	f.requests = append(f.requests, request)

	return []models.ExecutionID{{Queue: "plans", ID: int64(len(f.requests))}}, nil
}

func (f *fakeEnqueuer) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.requests))
	for _, request := range f.requests {
		keys = append(keys, request.IdempotencyKey)
	}

	return keys
}

func newScheduler(t *testing.T, store persistence.Persistence, enqueuer *fakeEnqueuer) *Scheduler {
	t.Helper()

	return NewScheduler(slog.New(slog.DiscardHandler), store, enqueuer, config.Default())
}

func at(hour int) time.Time {
	return time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC)
}

func hourlySchedule(t *testing.T, store *memorypersistence.Persistence, nextRun time.Time) *models.WorkflowSchedule {
	t.Helper()

	schedule := &models.WorkflowSchedule{
		ID:         "sched-1",
		WorkflowID: "wf.scheduled",
		Cron:       "0 * * * *",
		Starts:     at(0),
		NextRun:    &nextRun,
		Enabled:    true,
	}
	require.NoError(t, store.SaveSchedule(t.Context(), schedule))

	return schedule
}

func TestTickFiresDueSchedule(t *testing.T) {
	store := memorypersistence.NewPersistence()
	enqueuer := &fakeEnqueuer{}
	s := newScheduler(t, store, enqueuer)

	hourlySchedule(t, store, at(10))

	s.Tick(t.Context(), at(10).Add(5*time.Second))

	require.Len(t, enqueuer.requests, 1)
	request := enqueuer.requests[0]
	assert.Equal(t, "wf.scheduled", request.WorkflowID)
	assert.Equal(t, "schedule:sched-1:2025-06-01T10:00:00Z", request.IdempotencyKey)
	assert.Equal(t, "sched-1", request.Context["schedule_id"])
	assert.Equal(t, "2025-06-01T10:00:00Z", request.Context["scheduled_for"])

	stored, err := store.ScheduleByID(t.Context(), "sched-1")
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.Equal(t, at(11), stored.NextRun.UTC())
	require.NotNil(t, stored.LastRun)
	assert.Equal(t, at(10), stored.LastRun.UTC())
}

func TestTickSkipsFutureSchedules(t *testing.T) {
	store := memorypersistence.NewPersistence()
	enqueuer := &fakeEnqueuer{}
	s := newScheduler(t, store, enqueuer)

	hourlySchedule(t, store, at(12))

	s.Tick(t.Context(), at(10))

	assert.Empty(t, enqueuer.requests)
}

func TestTickCollapsesMissedOccurrences(t *testing.T) {
	store := memorypersistence.NewPersistence()
	enqueuer := &fakeEnqueuer{}
	s := newScheduler(t, store, enqueuer)

	// Four hours of downtime; latest catchup folds them into one firing at
	// the newest elapsed occurrence.
	hourlySchedule(t, store, at(6))

	s.Tick(t.Context(), at(10).Add(5*time.Second))

	assert.Equal(t, []string{"schedule:sched-1:2025-06-01T10:00:00Z"}, enqueuer.keys())

	stored, err := store.ScheduleByID(t.Context(), "sched-1")
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.Equal(t, at(11), stored.NextRun.UTC())
}

func TestTickReplaysAllOccurrences(t *testing.T) {
	store := memorypersistence.NewPersistence()
	enqueuer := &fakeEnqueuer{}
	s := newScheduler(t, store, enqueuer)

	schedule := hourlySchedule(t, store, at(8))
	schedule.Catchup = "all"
	require.NoError(t, store.SaveSchedule(t.Context(), schedule))

	now := at(10).Add(5 * time.Second)

	// One occurrence per tick: the backlog drains without flooding.
	s.Tick(t.Context(), now)
	s.Tick(t.Context(), now)
	s.Tick(t.Context(), now)

	assert.Equal(t, []string{
		"schedule:sched-1:2025-06-01T08:00:00Z",
		"schedule:sched-1:2025-06-01T09:00:00Z",
		"schedule:sched-1:2025-06-01T10:00:00Z",
	}, enqueuer.keys())

	// The backlog is drained; nothing more fires until 11:00.
	s.Tick(t.Context(), now)
	assert.Len(t, enqueuer.keys(), 3)
}

type stalePersistence struct {
	persistence.Persistence

	stale *models.WorkflowSchedule
}

func (p *stalePersistence) DueSchedules(context.Context, time.Time) ([]*models.WorkflowSchedule, error) {
	return []*models.WorkflowSchedule{p.stale}, nil
}

func TestTickLostClaimKeepsStoredCursor(t *testing.T) {
	store := memorypersistence.NewPersistence()
	enqueuer := &fakeEnqueuer{}

	// The stored cursor already advanced to 11:00; this instance still holds
	// the 10:00 snapshot. It enqueues 10:00 under the same occurrence key as
	// the winner, then loses the compare-and-set.
	hourlySchedule(t, store, at(11))

	staleNext := at(10)
	stale := &models.WorkflowSchedule{
		ID:         "sched-1",
		WorkflowID: "wf.scheduled",
		Cron:       "0 * * * *",
		NextRun:    &staleNext,
		Enabled:    true,
	}

	s := newScheduler(t, &stalePersistence{Persistence: store, stale: stale}, enqueuer)
	s.Tick(t.Context(), at(10).Add(5*time.Second))

	assert.Equal(t, []string{"schedule:sched-1:2025-06-01T10:00:00Z"}, enqueuer.keys())

	stored, err := store.ScheduleByID(t.Context(), "sched-1")
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.Equal(t, at(11), stored.NextRun.UTC())
}

func TestTickEnqueueFailureRefiresOccurrence(t *testing.T) {
	store := memorypersistence.NewPersistence()
	enqueuer := &fakeEnqueuer{failures: 1}
	s := newScheduler(t, store, enqueuer)

	hourlySchedule(t, store, at(10))

	// The failed enqueue must leave the cursor at 10:00 so the occurrence is
	// not lost.
	s.Tick(t.Context(), at(10).Add(5*time.Second))

	assert.Empty(t, enqueuer.requests)

	stored, err := store.ScheduleByID(t.Context(), "sched-1")
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.Equal(t, at(10), stored.NextRun.UTC())

	// The next tick delivers the same occurrence and advances the cursor.
	s.Tick(t.Context(), at(10).Add(10*time.Second))

	assert.Equal(t, []string{"schedule:sched-1:2025-06-01T10:00:00Z"}, enqueuer.keys())

	stored, err = store.ScheduleByID(t.Context(), "sched-1")
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.Equal(t, at(11), stored.NextRun.UTC())
}

func TestTickDisablesExhaustedSchedule(t *testing.T) {
	store := memorypersistence.NewPersistence()
	enqueuer := &fakeEnqueuer{}
	s := newScheduler(t, store, enqueuer)

	nextRun := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	schedule := &models.WorkflowSchedule{
		ID:         "sched-once",
		WorkflowID: "wf.once",
		RRule:      "DTSTART:20250601T100000Z\nRRULE:FREQ=DAILY;COUNT=1",
		Starts:     at(0),
		NextRun:    &nextRun,
		Enabled:    true,
	}
	require.NoError(t, store.SaveSchedule(t.Context(), schedule))

	s.Tick(t.Context(), at(10).Add(5*time.Second))

	require.Len(t, enqueuer.requests, 1)

	stored, err := store.ScheduleByID(t.Context(), "sched-once")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Nil(t, stored.NextRun)
}

func TestScheduleContextMergesAttributes(t *testing.T) {
	store := memorypersistence.NewPersistence()
	enqueuer := &fakeEnqueuer{}
	s := newScheduler(t, store, enqueuer)

	schedule := hourlySchedule(t, store, at(10))
	schedule.Configuration = map[string]any{"quality": "low", "region": "eu"}
	schedule.Attributes = map[string]any{"quality": "high"}
	require.NoError(t, store.SaveSchedule(t.Context(), schedule))

	s.Tick(t.Context(), at(10))

	require.Len(t, enqueuer.requests, 1)
	requestContext := enqueuer.requests[0].Context
	assert.Equal(t, "high", requestContext["quality"], "attributes win over configuration")
	assert.Equal(t, "eu", requestContext["region"])
}
