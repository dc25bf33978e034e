package enqueue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conduit/pkg/activities/echo"
	"github.com/dukex/conduit/pkg/models"
	memorypersistence "github.com/dukex/conduit/pkg/persistence/memory"
	"github.com/dukex/conduit/pkg/planner"
	memoryqueue "github.com/dukex/conduit/pkg/queue/memory"
	"github.com/dukex/conduit/pkg/registry"
)

type enqueueFixture struct {
	service     *Service
	queue       *memoryqueue.Queue
	persistence *memorypersistence.Persistence
}

func newEnqueueFixture(t *testing.T) *enqueueFixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	reg := registry.NewRegistry(logger)
	reg.Register(echo.NewActivity())

	q := memoryqueue.NewQueue()
	store := memorypersistence.NewPersistence()
	pl := planner.NewPlanner(logger, reg, 3)

	return &enqueueFixture{
		service:     NewService(logger, q, store, pl),
		queue:       q,
		persistence: store,
	}
}

func (f *enqueueFixture) saveWorkflow(t *testing.T, id, queueName string) {
	t.Helper()

	err := f.persistence.SaveWorkflow(t.Context(), &models.Workflow{
		ID:    id,
		Queue: queueName,
		Activities: []models.WorkflowActivity{
			{ActivityID: echo.ActivityID, Queue: queueName, ExecutionGroup: 0},
		},
	})
	require.NoError(t, err)
}

func TestEnqueueByWorkflowID(t *testing.T) {
	f := newEnqueueFixture(t)
	f.saveWorkflow(t, "wf.one", "home")

	ids, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{WorkflowID: "wf.one"})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "home", ids[0].Queue)

	msg, err := f.queue.Get(t.Context(), ids[0].Queue, ids[0].ID)
	require.NoError(t, err)

	value, err := models.DecodeValue(msg.Payload)
	require.NoError(t, err)

	plan, ok := value.(*models.Plan)
	require.True(t, ok)
	assert.Equal(t, "wf.one", plan.WorkflowID)
	require.Len(t, plan.Jobs, 1)
}

func TestEnqueueInlineWorkflow(t *testing.T) {
	f := newEnqueueFixture(t)

	ids, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{
		Workflow: &models.Workflow{
			ID:    "wf.inline",
			Queue: "inline",
			Activities: []models.WorkflowActivity{
				{ActivityID: echo.ActivityID, Queue: "inline", ExecutionGroup: 0},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "inline", ids[0].Queue)
}

func TestEnqueueByTrait(t *testing.T) {
	f := newEnqueueFixture(t)
	f.saveWorkflow(t, "wf.a", "qa")
	f.saveWorkflow(t, "wf.b", "qb")

	err := f.persistence.SaveTrait(t.Context(), &models.Trait{
		ID:          "trait.video",
		WorkflowIDs: []string{"wf.a", "wf.b"},
	})
	require.NoError(t, err)

	ids, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{TraitID: "trait.video"})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "qa", ids[0].Queue)
	assert.Equal(t, "qb", ids[1].Queue)
}

func TestEnqueueRequiresExactlyOneSelector(t *testing.T) {
	f := newEnqueueFixture(t)
	f.saveWorkflow(t, "wf.one", "home")

	tests := []struct {
		name    string
		request *models.EnqueueRequest
	}{
		{"nothing selected", &models.EnqueueRequest{}},
		{"workflow id and trait", &models.EnqueueRequest{WorkflowID: "wf.one", TraitID: "trait.x"}},
		{"workflow id and inline", &models.EnqueueRequest{WorkflowID: "wf.one", Workflow: &models.Workflow{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Enqueue(t.Context(), tt.request)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestEnqueueUnknownWorkflow(t *testing.T) {
	f := newEnqueueFixture(t)

	_, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{WorkflowID: "wf.missing"})
	require.Error(t, err)
}

func TestEnqueueIdempotencyKeyDeduplicates(t *testing.T) {
	f := newEnqueueFixture(t)
	f.saveWorkflow(t, "wf.one", "home")

	first, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{
		WorkflowID:     "wf.one",
		IdempotencyKey: "once-only",
	})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{
		WorkflowID:     "wf.one",
		IdempotencyKey: "once-only",
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats, err := f.queue.Stats(t.Context(), "home")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Depth)
}

func TestEnqueueDelayUntil(t *testing.T) {
	f := newEnqueueFixture(t)
	f.saveWorkflow(t, "wf.one", "home")

	delayUntil := time.Now().Add(time.Hour)

	ids, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{
		WorkflowID: "wf.one",
		DelayUntil: &delayUntil,
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	msg, err := f.queue.Dequeue(t.Context(), "home", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg, "delayed plan must not be claimable yet")
}

func TestEnqueueRegistersChildOnParent(t *testing.T) {
	f := newEnqueueFixture(t)
	f.saveWorkflow(t, "wf.parent", "home")
	f.saveWorkflow(t, "wf.child", "home")

	parentIDs, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{WorkflowID: "wf.parent"})
	require.NoError(t, err)
	require.Len(t, parentIDs, 1)

	parent := models.JobID{Queue: parentIDs[0].Queue, PlanID: parentIDs[0].ID, Index: 0}

	childIDs, err := f.service.Enqueue(t.Context(), &models.EnqueueRequest{
		WorkflowID: "wf.child",
		Parent:     &parent,
	})
	require.NoError(t, err)
	require.Len(t, childIDs, 1)

	msg, err := f.queue.Get(t.Context(), parent.Queue, parent.PlanID)
	require.NoError(t, err)

	value, err := models.DecodeValue(msg.Payload)
	require.NoError(t, err)

	plan, ok := value.(*models.Plan)
	require.True(t, ok)

	job, err := plan.Job(0)
	require.NoError(t, err)
	require.NotNil(t, job.Children)
	assert.True(t, job.Children.Has(childIDs[0]))
}

// settlingQueue removes plan messages as soon as they are enqueued, standing
// in for a worker that settles the plan before the caller starts waiting.
type settlingQueue struct {
	*memoryqueue.Queue
}

func (q *settlingQueue) Enqueue(ctx context.Context, name string, payload []byte, delay time.Duration) (int64, error) {
	id, err := q.Queue.Enqueue(ctx, name, payload, delay)
	if err != nil {
		return 0, err
	}

	err = q.Queue.Ack(ctx, name, id)
	if err != nil {
		return 0, err
	}

	return id, nil
}

func TestEnqueueWaitResolvesAlreadySettledPlan(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	reg := registry.NewRegistry(logger)
	reg.Register(echo.NewActivity())

	q := &settlingQueue{Queue: memoryqueue.NewQueue()}
	store := memorypersistence.NewPersistence()
	pl := planner.NewPlanner(logger, reg, 3)
	service := NewService(logger, q, store, pl)

	require.NoError(t, store.SaveWorkflow(t.Context(), &models.Workflow{
		ID:    "wf.fast",
		Queue: "home",
		Activities: []models.WorkflowActivity{
			{ActivityID: echo.ActivityID, Queue: "home", ExecutionGroup: 0},
		},
	}))

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	ids, err := service.Enqueue(ctx, &models.EnqueueRequest{
		WorkflowID:        "wf.fast",
		WaitForCompletion: true,
	})
	require.NoError(t, err, "a plan settled before the waiter exists must still resolve")
	require.Len(t, ids, 1)
}
