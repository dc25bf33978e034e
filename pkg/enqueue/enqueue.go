// Package enqueue is the front door for launching workflows: it resolves
// what should run, compiles plans and persists them to their queues.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/planner"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/dukex/conduit/pkg/queue"
)

// ErrInvalidRequest is returned when a request selects nothing or more than
// one of workflow id, inline workflow and trait.
var ErrInvalidRequest = errors.New("request must select exactly one of workflow_id, workflow or trait_id")

type planOutcome struct {
	id      models.ExecutionID
	success bool
	errMsg  string
}

// Service implements the enqueue front door.
type Service struct {
	logger      *slog.Logger
	queue       queue.Queue
	persistence persistence.Persistence
	planner     *planner.Planner

	mu      sync.Mutex
	waiters map[models.ExecutionID]chan planOutcome
}

func NewService(logger *slog.Logger, q queue.Queue, p persistence.Persistence, pl *planner.Planner) *Service {
	return &Service{
		logger:      logger.With("module", "enqueue"),
		queue:       q,
		persistence: p,
		planner:     pl,
		waiters:     make(map[models.ExecutionID]chan planOutcome),
	}
}

var _ protocol.Enqueuer = (*Service)(nil)

// Enqueue resolves the request into one plan per selected workflow,
// persists each to its workflow's queue, links children to their parent job
// and registers the idempotency key. When the request asks to wait, it
// blocks until every launched plan terminates or the context is cancelled.
func (s *Service) Enqueue(ctx context.Context, request *models.EnqueueRequest) ([]models.ExecutionID, error) {
	if request.IdempotencyKey != "" {
		existing, err := s.persistence.LookupIdempotencyKey(ctx, request.IdempotencyKey)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			return []models.ExecutionID{*existing}, nil
		}
	}

	workflows, err := s.resolveWorkflows(ctx, request)
	if err != nil {
		return nil, err
	}

	var delay time.Duration
	if request.DelayUntil != nil {
		if until := time.Until(*request.DelayUntil); until > 0 {
			delay = until
		}
	}

	ids := make([]models.ExecutionID, 0, len(workflows))

	for _, workflow := range workflows {
		id, err := s.enqueuePlan(ctx, workflow, request, delay)
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	if request.IdempotencyKey != "" && len(ids) > 0 {
		created, err := s.persistence.RegisterIdempotencyKey(ctx, request.IdempotencyKey, ids[0])
		if err != nil {
			return nil, err
		}

		if !created {
			// Lost the registration race: withdraw our plans and hand back
			// the winner's.
			for _, id := range ids {
				if ackErr := s.queue.Ack(ctx, id.Queue, id.ID); ackErr != nil && !queue.IsMessageGone(ackErr) {
					s.logger.WarnContext(ctx, "Failed to withdraw duplicate plan", "plan", id.String(), "error", ackErr)
				}
			}

			existing, err := s.persistence.LookupIdempotencyKey(ctx, request.IdempotencyKey)
			if err != nil {
				return nil, err
			}

			if existing == nil {
				return nil, fmt.Errorf("idempotency key %s registered concurrently but not found", request.IdempotencyKey)
			}

			return []models.ExecutionID{*existing}, nil
		}
	}

	if request.WaitForCompletion {
		err := s.waitAll(ctx, ids)
		if err != nil {
			return ids, err
		}
	}

	return ids, nil
}

func (s *Service) resolveWorkflows(ctx context.Context, request *models.EnqueueRequest) ([]*models.Workflow, error) {
	selected := 0
	for _, set := range []bool{request.WorkflowID != "", request.Workflow != nil, request.TraitID != ""} {
		if set {
			selected++
		}
	}

	if selected != 1 {
		return nil, ErrInvalidRequest
	}

	switch {
	case request.Workflow != nil:
		return []*models.Workflow{request.Workflow}, nil
	case request.WorkflowID != "":
		workflow, err := s.persistence.WorkflowByID(ctx, request.WorkflowID)
		if err != nil {
			return nil, err
		}

		return []*models.Workflow{workflow}, nil
	default:
		trait, err := s.persistence.TraitByID(ctx, request.TraitID)
		if err != nil {
			return nil, err
		}

		workflows := make([]*models.Workflow, 0, len(trait.WorkflowIDs))

		for _, workflowID := range trait.WorkflowIDs {
			workflow, err := s.persistence.WorkflowByID(ctx, workflowID)
			if err != nil {
				return nil, fmt.Errorf("trait %s: %w", trait.ID, err)
			}

			workflows = append(workflows, workflow)
		}

		return workflows, nil
	}
}

func (s *Service) enqueuePlan(ctx context.Context, workflow *models.Workflow, request *models.EnqueueRequest, delay time.Duration) (models.ExecutionID, error) {
	plan, err := s.planner.Plan(workflow, request)
	if err != nil {
		return models.ExecutionID{}, err
	}

	payload, err := models.EncodePlan(plan)
	if err != nil {
		return models.ExecutionID{}, err
	}

	err = s.queue.CreateQueue(ctx, workflow.Queue)
	if err != nil {
		return models.ExecutionID{}, err
	}

	messageID, err := s.queue.Enqueue(ctx, workflow.Queue, payload, delay)
	if err != nil {
		return models.ExecutionID{}, err
	}

	id := models.ExecutionID{Queue: workflow.Queue, ID: messageID}

	if request.Parent != nil {
		err = s.registerChild(ctx, *request.Parent, id)
		if err != nil {
			return models.ExecutionID{}, err
		}
	}

	s.logger.InfoContext(ctx, "Enqueued execution plan",
		"plan", id.String(), "workflow_id", workflow.ID, "jobs", len(plan.Jobs))

	return id, nil
}

// registerChild records a spawned child plan on its parent job so the
// parent suspends until the child terminates.
func (s *Service) registerChild(ctx context.Context, parent models.JobID, child models.ExecutionID) error {
	_, err := s.queue.Mutate(ctx, parent.Queue, parent.PlanID, func(payload []byte) ([]byte, []queue.TxOp, error) {
		value, err := models.DecodeValue(payload)
		if err != nil {
			return nil, nil, err
		}

		plan, ok := value.(*models.Plan)
		if !ok {
			return nil, nil, fmt.Errorf("message %s/%d is not a plan", parent.Queue, parent.PlanID)
		}

		plan.Normalize(parent.PlanID, parent.Queue)

		job, err := plan.Job(parent.Index)
		if err != nil {
			return nil, nil, err
		}

		if job.Children == nil {
			job.Children = models.NewExecutionIDSet()
		}

		job.Children.Add(child)

		newPayload, err := models.EncodePlan(plan)
		if err != nil {
			return nil, nil, err
		}

		return newPayload, nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to register child %s on %s: %w", child.String(), parent.String(), err)
	}

	return nil
}

func (s *Service) waitAll(ctx context.Context, ids []models.ExecutionID) error {
	channels := make([]chan planOutcome, len(ids))
	for i, id := range ids {
		channels[i] = s.addWaiter(id)
	}

	defer func() {
		for i, id := range ids {
			s.removeWaiter(id, channels[i])
		}
	}()

	// A plan can settle before its waiter exists, and its terminal event is
	// then already published. Check the queue: a gone plan message means the
	// plan settled, so resolve the waiter instead of blocking forever. The
	// queue keeps no record of the outcome, so a pre-settled plan reports
	// success.
	for i, id := range ids {
		_, err := s.queue.Get(ctx, id.Queue, id.ID)
		if queue.IsMessageGone(err) {
			select {
			case channels[i] <- planOutcome{id: id, success: true}:
			default:
			}
		}
	}

	var failures []string

	for i := range ids {
		select {
		case outcome := <-channels[i]:
			if !outcome.success {
				failures = append(failures, fmt.Sprintf("%s: %s", outcome.id.String(), outcome.errMsg))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("workflow execution failed: %v", failures)
	}

	return nil
}

func (s *Service) addWaiter(id models.ExecutionID) chan planOutcome {
	ch := make(chan planOutcome, 1)

	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()

	return ch
}

func (s *Service) removeWaiter(id models.ExecutionID, ch chan planOutcome) {
	s.mu.Lock()
	if s.waiters[id] == ch {
		delete(s.waiters, id)
	}
	s.mu.Unlock()
}

// HandlePlanEvent resolves waiters from plan lifecycle events. Wire it to
// the plan topic subscription when wait-for-completion is used.
func (s *Service) HandlePlanEvent(_ context.Context, event events.Event) error {
	var outcome planOutcome

	switch planEvent := event.(type) {
	case *events.PlanFinished:
		outcome = planOutcome{
			id:      models.ExecutionID{Queue: planEvent.Queue, ID: planEvent.PlanID},
			success: true,
		}
	case *events.PlanFailed:
		outcome = planOutcome{
			id:     models.ExecutionID{Queue: planEvent.Queue, ID: planEvent.PlanID},
			errMsg: planEvent.Error,
		}
	default:
		return nil
	}

	s.mu.Lock()
	ch, ok := s.waiters[outcome.id]
	s.mu.Unlock()

	if ok {
		select {
		case ch <- outcome:
		default:
		}
	}

	return nil
}
