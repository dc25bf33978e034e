package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/queue"
)

// handlePlan processes a claimed plan message: it dispatches the current
// execution group as job messages, settles terminated plans and puts
// still-running plans back to sleep. A plan message surfacing here with
// jobs in flight is the recovery path after lost heartbeats, so every step
// is idempotent.
func (w *Worker) handlePlan(ctx context.Context, msg *queue.Message, decoded *models.Plan) {
	logger := w.logger.With("queue", msg.Queue, "plan_id", msg.ID)

	decoded.Normalize(msg.ID, msg.Queue)

	err := w.ensureJobQueues(ctx, decoded)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create job queues", "error", err)

		return
	}

	var settled *models.Plan

	_, err = w.queue.Mutate(ctx, msg.Queue, msg.ID, func(payload []byte) ([]byte, []queue.TxOp, error) {
		plan, err := decodePlan(payload, msg.ID, msg.Queue)
		if err != nil {
			return nil, nil, err
		}

		if w.expired(plan) {
			plan.Cancel("plan exceeded maximum duration")
		}

		if plan.Cancelled {
			failUnsettled(plan, "plan cancelled")
		}

		ops, err := dispatchOps(plan)
		if err != nil {
			return nil, nil, err
		}

		if plan.State() != models.PlanStateRunning {
			settled = plan
		}

		newPayload, err := models.EncodePlan(plan)
		if err != nil {
			return nil, nil, err
		}

		return newPayload, ops, nil
	})
	if err != nil {
		if queue.IsMessageGone(err) {
			return
		}

		logger.ErrorContext(ctx, "Failed to dispatch plan", "error", err)

		return
	}

	if settled != nil {
		w.settlePlan(ctx, settled)

		return
	}

	// Jobs are in flight; their heartbeats keep the plan claimed. Park the
	// plan message until the next checkin horizon so it resurfaces only if
	// progress stalls.
	err = w.queue.Checkin(ctx, msg.Queue, msg.ID, w.options.Checkin())
	if err != nil && !queue.IsMessageGone(err) {
		logger.ErrorContext(ctx, "Failed to park plan message", "error", err)
	}
}

// settlePlan finishes a terminated plan: propagate the outcome to the
// parent job, publish the lifecycle event and remove the plan message.
// Propagation runs before the ack so a crash replays it idempotently.
func (w *Worker) settlePlan(ctx context.Context, plan *models.Plan) {
	success := plan.State() == models.PlanStateComplete
	id := models.ExecutionID{Queue: plan.Queue, ID: plan.ID}
	logger := w.logger.With("queue", plan.Queue, "plan_id", plan.ID)

	var parentSettled *models.Plan

	if plan.Parent != nil {
		var err error

		parentSettled, err = w.propagateToParent(ctx, *plan.Parent, id, success)
		if err != nil {
			// The child plan message stays in its queue and resurfaces after
			// the claim lapses, replaying the propagation idempotently.
			logger.ErrorContext(ctx, "Failed to propagate child outcome, leaving plan unsettled", "error", err)

			return
		}
	}

	w.publishPlanEvent(ctx, plan, success)

	err := w.queue.Ack(ctx, plan.Queue, plan.ID)
	if err != nil && !queue.IsMessageGone(err) {
		logger.ErrorContext(ctx, "Failed to ack settled plan", "error", err)
	}

	logger.InfoContext(ctx, "Plan settled",
		"state", plan.State(), "complete", plan.Complete.Len(), "failed", plan.Failed.Len())

	if parentSettled != nil {
		w.settlePlan(ctx, parentSettled)
	}
}

// propagateToParent records a terminated child on its parent job. Returns
// the parent plan when the propagation settled it too. A missing parent is
// dropped; any other failure is returned so the caller retries later.
func (w *Worker) propagateToParent(ctx context.Context, parent models.JobID, child models.ExecutionID, success bool) (*models.Plan, error) {
	logger := w.logger.With("parent", parent.String(), "child", child.String())

	var settled *models.Plan

	_, err := w.queue.Mutate(ctx, parent.Queue, parent.PlanID, func(payload []byte) ([]byte, []queue.TxOp, error) {
		plan, err := decodePlan(payload, parent.PlanID, parent.Queue)
		if err != nil {
			return nil, nil, err
		}

		_, err = plan.SetChildComplete(parent.Index, child, success)
		if err != nil {
			return nil, nil, err
		}

		ops, err := dispatchOps(plan)
		if err != nil {
			return nil, nil, err
		}

		if plan.State() != models.PlanStateRunning {
			settled = plan
		}

		newPayload, err := models.EncodePlan(plan)
		if err != nil {
			return nil, nil, err
		}

		return newPayload, ops, nil
	})
	if err != nil {
		if queue.IsMessageGone(err) {
			logger.WarnContext(ctx, "Parent plan is gone, dropping child outcome")

			return nil, nil
		}

		return nil, err
	}

	return settled, nil
}

func (w *Worker) publishPlanEvent(ctx context.Context, plan *models.Plan, success bool) {
	var event events.Event

	if success {
		event = &events.PlanFinished{
			BaseEvent:  events.NewBaseEvent(events.PlanFinishedEvent),
			PlanID:     plan.ID,
			Queue:      plan.Queue,
			WorkflowID: plan.WorkflowID,
		}
	} else {
		errMsg := "plan failed"
		if plan.Error != nil {
			errMsg = *plan.Error
		}

		event = &events.PlanFailed{
			BaseEvent:  events.NewBaseEvent(events.PlanFailedEvent),
			PlanID:     plan.ID,
			Queue:      plan.Queue,
			WorkflowID: plan.WorkflowID,
			Error:      errMsg,
			Cancelled:  plan.Cancelled,
		}
	}

	if err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.ErrorContext(ctx, "Failed to publish plan event", "plan_id", plan.ID, "error", err)
	}
}

// ensureJobQueues creates every queue the plan's jobs dispatch to.
func (w *Worker) ensureJobQueues(ctx context.Context, plan *models.Plan) error {
	seen := map[string]struct{}{}

	for _, job := range plan.Jobs {
		name := job.WorkflowActivity.Queue
		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}

		if err := w.queue.CreateQueue(ctx, name); err != nil {
			return err
		}
	}

	return nil
}

func (w *Worker) expired(plan *models.Plan) bool {
	max := w.options.PlanMaxDuration()

	return max > 0 && time.Since(plan.Enqueued) > max
}

// dispatchOps drains the plan's current set into job enqueue operations.
func dispatchOps(plan *models.Plan) ([]queue.TxOp, error) {
	var ops []queue.TxOp

	for len(plan.Current) > 0 {
		index := plan.Current[0]

		job, err := plan.Start(index)
		if err != nil {
			return nil, err
		}

		// Accumulated plan context rides along; the job's own entries win.
		for key, value := range plan.Context {
			if job.Context == nil {
				job.Context = make(map[string]any, len(plan.Context))
			}

			if _, ok := job.Context[key]; !ok {
				job.Context[key] = value
			}
		}

		payload, err := models.EncodeJob(job)
		if err != nil {
			return nil, err
		}

		ops = append(ops, queue.EnqueueOp(job.WorkflowActivity.Queue, payload, 0))
	}

	return ops, nil
}

// failUnsettled terminally fails every job that has not settled yet.
func failUnsettled(plan *models.Plan, reason string) {
	for _, job := range plan.Jobs {
		if !plan.Settled(job.ID.Index) {
			_, _ = plan.SetJobFailed(job.ID.Index, reason)
		}
	}
}

func decodePlan(payload []byte, id int64, queueName string) (*models.Plan, error) {
	value, err := models.DecodeValue(payload)
	if err != nil {
		return nil, err
	}

	plan, ok := value.(*models.Plan)
	if !ok {
		return nil, fmt.Errorf("message %s/%d is not a plan", queueName, id)
	}

	plan.Normalize(id, queueName)

	return plan, nil
}
