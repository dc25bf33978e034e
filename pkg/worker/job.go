package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/dukex/conduit/pkg/queue"
)

var errPlanCancelled = errors.New("plan cancelled")

// handleJob runs one activity attempt. The job message lives in the
// activity's dispatch queue; all progress bookkeeping happens on the plan
// message in the plan's home queue.
func (w *Worker) handleJob(ctx context.Context, msg *queue.Message, job *models.Job) {
	job.Attempt = msg.Attempts + 1

	logger := log.WithJob(w.logger, job.ID.Queue, job.ID.PlanID, job.ID.Index, job.WorkflowActivity.ActivityID)

	plan, err := w.planHeader(ctx, job.ExecutionRef())
	if err != nil {
		if queue.IsMessageGone(err) {
			// The owning plan settled or was removed; the job's outcome has
			// nowhere to go.
			logger.WarnContext(ctx, "Plan is gone, dropping job")
			w.ackJobMessage(ctx, msg)

			return
		}

		logger.ErrorContext(ctx, "Failed to read plan", "error", err)

		return
	}

	if plan.Cancelled {
		w.failJobTerminally(ctx, msg, job, "plan cancelled")

		return
	}

	if plan.MaxAttempts > 0 && msg.Attempts >= plan.MaxAttempts {
		w.failJobTerminally(ctx, msg, job,
			fmt.Sprintf("job failed after %d attempts: %s", msg.Attempts, lastError(msg)))

		return
	}

	handler, err := w.registry.Handler(job.WorkflowActivity.ActivityID)
	if err != nil {
		// No amount of retrying registers a missing activity.
		w.failJobTerminally(ctx, msg, job, err.Error())

		return
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	activityCtx := &protocol.ActivityContext{
		Job:           job,
		Configuration: job.WorkflowActivity.Configuration,
		Logger:        logger,
		Enqueued:      msg.Enqueued,
		Store:         w.persistence,
		Enqueuer:      w.enqueuer,
		Transitioner:  w.transitioner,
		Files:         w.files,
		Checkin: func(ctx context.Context) error {
			return w.checkin(ctx, msg, job, cancel)
		},
	}
	defer activityCtx.Cleanup(ctx)

	err = w.materializeInputs(ctx, activityCtx)
	if err != nil {
		if errors.Is(err, errInputMissing) {
			w.failJobTerminally(ctx, msg, job, err.Error())

			return
		}

		delay := backoff(job.Attempt)
		logger.WarnContext(ctx, "Failed to materialize inputs", "retry_in", delay, "error", err)

		failErr := w.queue.Fail(ctx, msg.Queue, msg.ID, err.Error(), delay)
		if failErr != nil && !queue.IsMessageGone(failErr) {
			logger.ErrorContext(ctx, "Failed to schedule retry", "error", failErr)
		}

		return
	}

	stop := w.startHeartbeat(execCtx, msg, job, cancel)
	defer stop()

	logger.InfoContext(ctx, "Executing job", "attempt", job.Attempt)

	outputs, err := w.execute(execCtx, handler, activityCtx)

	stop()

	if err != nil {
		if errors.Is(context.Cause(execCtx), errPlanCancelled) {
			w.failJobTerminally(ctx, msg, job, "plan cancelled")

			return
		}

		var reschedule *protocol.RescheduleError
		if errors.As(err, &reschedule) {
			w.rescheduleJob(ctx, msg, logger, reschedule.At)

			return
		}

		delay := backoff(job.Attempt)
		logger.WarnContext(ctx, "Job attempt failed", "attempt", job.Attempt, "retry_in", delay, "error", err)

		failErr := w.queue.Fail(ctx, msg.Queue, msg.ID, err.Error(), delay)
		if failErr != nil && !queue.IsMessageGone(failErr) {
			logger.ErrorContext(ctx, "Failed to schedule retry", "error", failErr)
		}

		return
	}

	w.completeJob(ctx, msg, job, outputs)
}

// execute invokes the handler inside a span with panic containment. A
// panicking activity fails its attempt instead of taking the worker down.
func (w *Worker) execute(ctx context.Context, handler protocol.ActivityHandler, activityCtx *protocol.ActivityContext) (outputs map[string]any, err error) {
	ctx, span := w.tracer.Start(ctx, "worker.execute."+handler.ID())
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			activityCtx.Logger.ErrorContext(ctx, "Activity panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("activity %s panicked: %v", handler.ID(), r)
		}

		if err != nil {
			otelhelper.SetError(span, err, attribute.String("activity_id", handler.ID()))
		}
	}()

	return handler.Execute(ctx, activityCtx)
}

// completeJob records a successful attempt on the plan and removes the job
// message in the same transaction. A job with unterminated children stays
// running; the last child's propagation completes it.
func (w *Worker) completeJob(ctx context.Context, msg *queue.Message, job *models.Job, outputs map[string]any) {
	logger := w.logger.With("queue", msg.Queue, "job", job.ID.String())

	var settled *models.Plan

	_, err := w.queue.Mutate(ctx, job.ID.Queue, job.ID.PlanID, func(payload []byte) ([]byte, []queue.TxOp, error) {
		plan, err := decodePlan(payload, job.ID.PlanID, job.ID.Queue)
		if err != nil {
			return nil, nil, err
		}

		planJob, err := plan.Job(job.ID.Index)
		if err != nil {
			return nil, nil, err
		}

		mergeContext(&planJob.Context, outputs)
		mergeContext(&plan.Context, outputs)

		_, err = plan.SetJobComplete(job.ID.Index)
		if err != nil {
			return nil, nil, err
		}

		ops, err := dispatchOps(plan)
		if err != nil {
			return nil, nil, err
		}

		ops = append(ops, queue.AckOp(msg.Queue, msg.ID))

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
			w.ackJobMessage(ctx, msg)

			return
		}

		logger.ErrorContext(ctx, "Failed to record job completion", "error", err)

		return
	}

	logger.InfoContext(ctx, "Job complete", "attempt", job.Attempt)

	if settled != nil {
		w.settlePlan(ctx, settled)
	}
}

// failJobTerminally records a terminal failure on the plan and removes the
// job message. Dependent groups still dispatch; the plan terminates failed.
func (w *Worker) failJobTerminally(ctx context.Context, msg *queue.Message, job *models.Job, reason string) {
	logger := w.logger.With("queue", msg.Queue, "job", job.ID.String())

	var settled *models.Plan

	_, err := w.queue.Mutate(ctx, job.ID.Queue, job.ID.PlanID, func(payload []byte) ([]byte, []queue.TxOp, error) {
		plan, err := decodePlan(payload, job.ID.PlanID, job.ID.Queue)
		if err != nil {
			return nil, nil, err
		}

		_, err = plan.SetJobFailed(job.ID.Index, reason)
		if err != nil {
			return nil, nil, err
		}

		ops, err := dispatchOps(plan)
		if err != nil {
			return nil, nil, err
		}

		ops = append(ops, queue.AckOp(msg.Queue, msg.ID))

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
			w.ackJobMessage(ctx, msg)

			return
		}

		logger.ErrorContext(ctx, "Failed to record job failure", "error", err)

		return
	}

	logger.WarnContext(ctx, "Job failed terminally", "reason", reason)

	if settled != nil {
		w.settlePlan(ctx, settled)
	}
}

// rescheduleJob parks the job message until the requested instant without
// touching the attempt counter.
func (w *Worker) rescheduleJob(ctx context.Context, msg *queue.Message, logger *slog.Logger, at time.Time) {
	horizon := time.Until(at)
	if horizon < 0 {
		horizon = 0
	}

	logger.InfoContext(ctx, "Rescheduling job", "at", at)

	err := w.queue.Checkin(ctx, msg.Queue, msg.ID, horizon)
	if err != nil && !queue.IsMessageGone(err) {
		logger.ErrorContext(ctx, "Failed to reschedule job", "error", err)
	}
}

// checkin extends the claim on the job message and the owning plan message,
// and probes the plan for cancellation.
func (w *Worker) checkin(ctx context.Context, msg *queue.Message, job *models.Job, cancel context.CancelCauseFunc) error {
	err := w.queue.Checkin(ctx, msg.Queue, msg.ID, w.options.Visibility())
	if err != nil && !queue.IsMessageGone(err) {
		return fmt.Errorf("failed to extend job claim: %w", err)
	}

	err = w.queue.Checkin(ctx, job.ID.Queue, job.ID.PlanID, w.options.Checkin())
	if err != nil && !queue.IsMessageGone(err) {
		return fmt.Errorf("failed to extend plan claim: %w", err)
	}

	plan, err := w.planHeader(ctx, job.ExecutionRef())
	if err != nil {
		if queue.IsMessageGone(err) {
			cancel(errPlanCancelled)

			return errPlanCancelled
		}

		return err
	}

	if plan.Cancelled {
		cancel(errPlanCancelled)

		return errPlanCancelled
	}

	return nil
}

// startHeartbeat keeps the claims alive for long-running activities that
// never call Checkin themselves. Returns an idempotent stop func.
func (w *Worker) startHeartbeat(ctx context.Context, msg *queue.Message, job *models.Job, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(w.options.Visibility() / 2)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.checkin(ctx, msg, job, cancel); err != nil && !errors.Is(err, errPlanCancelled) {
					w.logger.WarnContext(ctx, "Heartbeat failed", "job", job.ID.String(), "error", err)
				}
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}

func (w *Worker) planHeader(ctx context.Context, id models.ExecutionID) (*models.Plan, error) {
	planMsg, err := w.queue.Get(ctx, id.Queue, id.ID)
	if err != nil {
		return nil, err
	}

	return decodePlan(planMsg.Payload, id.ID, id.Queue)
}

func (w *Worker) ackJobMessage(ctx context.Context, msg *queue.Message) {
	err := w.queue.Ack(ctx, msg.Queue, msg.ID)
	if err != nil && !queue.IsMessageGone(err) {
		w.logger.ErrorContext(ctx, "Failed to ack job message", "queue", msg.Queue, "id", msg.ID, "error", err)
	}
}

func mergeContext(dst *map[string]any, values map[string]any) {
	if len(values) == 0 {
		return
	}

	if *dst == nil {
		*dst = make(map[string]any, len(values))
	}

	for key, value := range values {
		(*dst)[key] = value
	}
}

func lastError(msg *queue.Message) string {
	if msg.Error != "" {
		return msg.Error
	}

	return "unknown error"
}
