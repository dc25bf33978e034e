// Package web provides the HTTP admin surface: queue inspection, plan
// cancellation, schedule and workflow management.
package web

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/conduit/pkg/enqueue"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/dukex/conduit/pkg/queue"
)

type APIHandlers struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	queue       queue.Queue
	enqueuer    protocol.Enqueuer
	validate    *validator.Validate
}

func NewAPIHandlers(
	logger *slog.Logger,
	p persistence.Persistence,
	q queue.Queue,
	enqueuer protocol.Enqueuer,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		logger:      logger.With("module", "web"),
		persistence: p,
		queue:       q,
		enqueuer:    enqueuer,
		validate:    validate,
	}
}

// GetQueueStats reports depth and in-flight counts for one queue.
func (h *APIHandlers) GetQueueStats(c fiber.Ctx) error {
	name := c.Params("queue")
	if name == "" {
		return badRequest(c, "queue name is required")
	}

	stats, err := h.queue.Stats(c.Context(), name)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(stats)
}

// RetryMessage makes a claimed or delayed message immediately visible.
func (h *APIHandlers) RetryMessage(c fiber.Ctx) error {
	name := c.Params("queue")

	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return badRequest(c, "message id must be an integer")
	}

	err = h.queue.Retry(c.Context(), name, id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// CancelPlan marks a plan cancelled and wakes its message so the worker
// observes the cancellation immediately. Running jobs abort on their next
// checkin.
func (h *APIHandlers) CancelPlan(c fiber.Ctx) error {
	name := c.Params("queue")

	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return badRequest(c, "plan id must be an integer")
	}

	_, err = h.queue.Mutate(c.Context(), name, id, func(payload []byte) ([]byte, []queue.TxOp, error) {
		value, err := models.DecodeValue(payload)
		if err != nil {
			return nil, nil, err
		}

		plan, ok := value.(*models.Plan)
		if !ok {
			return nil, nil, errNotAPlan
		}

		plan.Cancel("cancelled by operator")

		newPayload, err := models.EncodePlan(plan)
		if err != nil {
			return nil, nil, err
		}

		return newPayload, nil, nil
	})
	if err != nil {
		if errors.Is(err, errNotAPlan) {
			return badRequest(c, "message is not a plan")
		}

		return handleStoreError(c, err)
	}

	if err := h.queue.Retry(c.Context(), name, id); err != nil && !queue.IsMessageGone(err) {
		return handleStoreError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Plan cancelled", "queue", name, "plan_id", id)

	return c.SendStatus(fiber.StatusAccepted)
}

var errNotAPlan = errors.New("message is not a plan")

// CreateExecution enqueues a workflow through the front door.
func (h *APIHandlers) CreateExecution(c fiber.Ctx) error {
	var request models.EnqueueRequest

	if err := c.Bind().JSON(&request); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	ids, err := h.enqueuer.Enqueue(c.Context(), &request)
	if err != nil {
		if errors.Is(err, enqueue.ErrInvalidRequest) {
			return badRequest(c, err.Error())
		}

		return handleStoreError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"executions": ids})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows, err := h.persistence.Workflows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"workflows": workflows})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.persistence.WorkflowByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) SaveWorkflow(c fiber.Ctx) error {
	var workflow models.Workflow

	if err := c.Bind().JSON(&workflow); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validate.Struct(&workflow); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.SaveWorkflow(c.Context(), &workflow); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	err := h.persistence.DeleteWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetStates(c fiber.Ctx) error {
	states, err := h.persistence.WorkflowStates(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"states": states})
}

func (h *APIHandlers) SaveState(c fiber.Ctx) error {
	var state models.WorkflowState

	if err := c.Bind().JSON(&state); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validate.Struct(&state); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.SaveWorkflowState(c.Context(), &state); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(state)
}

func (h *APIHandlers) SaveTransition(c fiber.Ctx) error {
	var transition models.WorkflowStateTransition

	if err := c.Bind().JSON(&transition); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validate.Struct(&transition); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.SaveWorkflowTransition(c.Context(), &transition); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(transition)
}

func (h *APIHandlers) GetTraits(c fiber.Ctx) error {
	traits, err := h.persistence.Traits(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"traits": traits})
}

func (h *APIHandlers) SaveTrait(c fiber.Ctx) error {
	var trait models.Trait

	if err := c.Bind().JSON(&trait); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validate.Struct(&trait); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.persistence.SaveTrait(c.Context(), &trait); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(trait)
}

func (h *APIHandlers) GetSchedules(c fiber.Ctx) error {
	schedules, err := h.persistence.Schedules(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"schedules": schedules})
}

func (h *APIHandlers) GetSchedule(c fiber.Ctx) error {
	schedule, err := h.persistence.ScheduleByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(schedule)
}

func (h *APIHandlers) SaveSchedule(c fiber.Ctx) error {
	var schedule models.WorkflowSchedule

	if err := c.Bind().JSON(&schedule); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := schedule.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	if schedule.Starts.IsZero() {
		schedule.Starts = now
	}

	if schedule.NextRun == nil && schedule.Enabled {
		from := schedule.Starts
		if from.Before(now) {
			from = now
		}

		next, err := schedule.NextAfter(from)
		if err != nil {
			return badRequest(c, err.Error())
		}

		if next == nil {
			return conflict(c, "schedule has no future occurrences")
		}

		schedule.NextRun = next
	}

	if err := h.persistence.SaveSchedule(c.Context(), &schedule); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(schedule)
}

func (h *APIHandlers) DeleteSchedule(c fiber.Ctx) error {
	err := h.persistence.DeleteSchedule(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}
