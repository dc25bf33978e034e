package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conduit/pkg/activities/echo"
	"github.com/dukex/conduit/pkg/enqueue"
	"github.com/dukex/conduit/pkg/models"
	memorypersistence "github.com/dukex/conduit/pkg/persistence/memory"
	"github.com/dukex/conduit/pkg/planner"
	memoryqueue "github.com/dukex/conduit/pkg/queue/memory"
	"github.com/dukex/conduit/pkg/registry"
)

type webFixture struct {
	app         *fiber.App
	queue       *memoryqueue.Queue
	persistence *memorypersistence.Persistence
	enqueuer    *enqueue.Service
}

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	reg := registry.NewRegistry(logger)
	reg.Register(echo.NewActivity())

	q := memoryqueue.NewQueue()
	store := memorypersistence.NewPersistence()
	enqueuer := enqueue.NewService(logger, q, store, planner.NewPlanner(logger, reg, 3))

	handlers := NewAPIHandlers(logger, store, q, enqueuer, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	app.Get("/queues/:queue/stats", handlers.GetQueueStats)
	app.Post("/queues/:queue/messages/:id/retry", handlers.RetryMessage)
	app.Post("/plans/:queue/:id/cancel", handlers.CancelPlan)
	app.Post("/executions", handlers.CreateExecution)
	app.Get("/workflows", handlers.GetWorkflows)
	app.Post("/workflows", handlers.SaveWorkflow)
	app.Get("/workflows/:id", handlers.GetWorkflow)
	app.Delete("/workflows/:id", handlers.DeleteWorkflow)
	app.Get("/states", handlers.GetStates)
	app.Post("/states", handlers.SaveState)
	app.Post("/states/transitions", handlers.SaveTransition)
	app.Get("/traits", handlers.GetTraits)
	app.Post("/traits", handlers.SaveTrait)
	app.Get("/schedules", handlers.GetSchedules)
	app.Post("/schedules", handlers.SaveSchedule)
	app.Get("/schedules/:id", handlers.GetSchedule)
	app.Delete("/schedules/:id", handlers.DeleteSchedule)
	app.Get("/health", handlers.HealthCheck)

	return &webFixture{app: app, queue: q, persistence: store, enqueuer: enqueuer}
}

func (f *webFixture) request(t *testing.T, method, target string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (f *webFixture) saveWorkflow(t *testing.T, id string) {
	t.Helper()

	err := f.persistence.SaveWorkflow(t.Context(), &models.Workflow{
		ID:    id,
		Queue: "plans",
		Activities: []models.WorkflowActivity{
			{ActivityID: echo.ActivityID, Queue: "plans", ExecutionGroup: 0},
		},
	})
	require.NoError(t, err)
}

func TestGetQueueStats(t *testing.T) {
	f := newWebFixture(t)

	require.NoError(t, f.queue.CreateQueue(t.Context(), "work"))
	_, err := f.queue.Enqueue(t.Context(), "work", []byte(`{}`), 0)
	require.NoError(t, err)

	resp := f.request(t, http.MethodGet, "/queues/work/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Depth int64 `json:"depth"`
	}
	decodeBody(t, resp, &stats)
	assert.Equal(t, int64(1), stats.Depth)
}

func TestGetQueueStatsUnknownQueue(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodGet, "/queues/nope/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryMessage(t *testing.T) {
	f := newWebFixture(t)

	require.NoError(t, f.queue.CreateQueue(t.Context(), "work"))
	_, err := f.queue.Enqueue(t.Context(), "work", []byte(`{}`), 0)
	require.NoError(t, err)

	claimed, err := f.queue.Dequeue(t.Context(), "work", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	resp := f.request(t, http.MethodPost, "/queues/work/messages/1/retry", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	msg, err := f.queue.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, msg, "retried message must be claimable again")
}

func TestRetryMessageBadID(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodPost, "/queues/work/messages/abc/retry", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetryMessageUnknown(t *testing.T) {
	f := newWebFixture(t)

	require.NoError(t, f.queue.CreateQueue(t.Context(), "work"))

	resp := f.request(t, http.MethodPost, "/queues/work/messages/99/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelPlan(t *testing.T) {
	f := newWebFixture(t)
	f.saveWorkflow(t, "wf.one")

	ids, err := f.enqueuer.Enqueue(t.Context(), &models.EnqueueRequest{WorkflowID: "wf.one"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	resp := f.request(t, http.MethodPost, "/plans/plans/1/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg, err := f.queue.Get(t.Context(), ids[0].Queue, ids[0].ID)
	require.NoError(t, err)

	value, err := models.DecodeValue(msg.Payload)
	require.NoError(t, err)

	plan, ok := value.(*models.Plan)
	require.True(t, ok)
	assert.True(t, plan.Cancelled)
}

func TestCancelPlanRejectsNonPlan(t *testing.T) {
	f := newWebFixture(t)

	require.NoError(t, f.queue.CreateQueue(t.Context(), "plans"))
	_, err := f.queue.Enqueue(t.Context(), "plans", []byte(`{"kind":"job","id":{"queue":"plans","plan_id":1,"index":0}}`), 0)
	require.NoError(t, err)

	resp := f.request(t, http.MethodPost, "/plans/plans/1/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateExecution(t *testing.T) {
	f := newWebFixture(t)
	f.saveWorkflow(t, "wf.one")

	resp := f.request(t, http.MethodPost, "/executions", map[string]any{"workflow_id": "wf.one"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Executions []models.ExecutionID `json:"executions"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Executions, 1)
	assert.Equal(t, "plans", body.Executions[0].Queue)
}

func TestCreateExecutionInvalidSelector(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodPost, "/executions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkflowLifecycle(t *testing.T) {
	f := newWebFixture(t)

	workflow := map[string]any{
		"id":    "wf.new",
		"queue": "plans",
		"activities": []map[string]any{
			{"activity_id": echo.ActivityID, "queue": "plans", "execution_group": 0},
		},
	}

	resp := f.request(t, http.MethodPost, "/workflows", workflow)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/workflows/wf.new", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.Workflow
	decodeBody(t, resp, &fetched)
	assert.Equal(t, "wf.new", fetched.ID)

	resp = f.request(t, http.MethodDelete, "/workflows/wf.new", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/workflows/wf.new", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSaveWorkflowValidation(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodPost, "/workflows", map[string]any{"id": "wf.invalid"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSaveStateAndTransition(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodPost, "/states", map[string]any{"id": "draft", "type": "draft"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/states/transitions", map[string]any{
		"from_state_id": "draft",
		"to_state_id":   "published",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/states", map[string]any{"id": "incomplete"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "state type is required")
}

func TestSaveScheduleComputesNextRun(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodPost, "/schedules", map[string]any{
		"id":          "sched-1",
		"workflow_id": "wf.one",
		"cron":        "0 * * * *",
		"enabled":     true,
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.WorkflowSchedule
	decodeBody(t, resp, &created)
	require.NotNil(t, created.NextRun)
	assert.True(t, created.NextRun.After(time.Now().Add(-time.Minute)))
}

func TestSaveScheduleWithoutFutureOccurrences(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodPost, "/schedules", map[string]any{
		"id":          "sched-past",
		"workflow_id": "wf.one",
		"rrule":       "DTSTART:20200101T000000Z\nRRULE:FREQ=DAILY;UNTIL=20200102T000000Z",
		"enabled":     true,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSaveScheduleRejectsInvalidRecurrence(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodPost, "/schedules", map[string]any{
		"id":          "sched-bad",
		"workflow_id": "wf.one",
		"cron":        "not a cron",
		"enabled":     true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleLifecycle(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodPost, "/schedules", map[string]any{
		"id":          "sched-1",
		"workflow_id": "wf.one",
		"cron":        "0 * * * *",
		"enabled":     true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/schedules/sched-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodDelete, "/schedules/sched-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/schedules/sched-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	f := newWebFixture(t)

	resp := f.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
