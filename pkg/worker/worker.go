// Package worker is the execution runtime: pools of goroutines polling
// queues, dispatching plans and running jobs through registered activity
// handlers.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/conduit/pkg/config"
	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/dukex/conduit/pkg/queue"
	"github.com/dukex/conduit/pkg/registry"
)

const pollInterval = 1 * time.Second

// Worker polls a set of queues and executes the plan and job messages it
// claims. One Worker runs PoolSize goroutines per queue.
type Worker struct {
	id     string
	logger *slog.Logger

	queue        queue.Queue
	registry     *registry.Registry
	persistence  persistence.Persistence
	enqueuer     protocol.Enqueuer
	transitioner protocol.Transitioner
	publisher    eventbus.EventPublisher
	files        protocol.SignedURLClient
	tracer       trace.Tracer

	options config.Options
	queues  []string

	wg sync.WaitGroup
}

type Deps struct {
	Queue        queue.Queue
	Registry     *registry.Registry
	Persistence  persistence.Persistence
	Enqueuer     protocol.Enqueuer
	Transitioner protocol.Transitioner
	Publisher    eventbus.EventPublisher
	Tracer       trace.Tracer

	// Files is optional; without it file-typed inputs cannot materialize.
	Files protocol.SignedURLClient
}

func NewWorker(id string, logger *slog.Logger, deps Deps, options config.Options, queues []string) *Worker {
	return &Worker{
		id:           id,
		logger:       logger.With("module", "worker", "worker_id", id),
		queue:        deps.Queue,
		registry:     deps.Registry,
		persistence:  deps.Persistence,
		enqueuer:     deps.Enqueuer,
		transitioner: deps.Transitioner,
		publisher:    deps.Publisher,
		files:        deps.Files,
		tracer:       deps.Tracer,
		options:      options,
		queues:       queues,
	}
}

// Start launches the polling pools and blocks until the context is
// cancelled, then waits up to the shutdown grace period for in-flight work.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker", "queues", w.queues, "pool_size", w.options.PoolSize)

	for _, queueName := range w.queues {
		err := w.queue.CreateQueue(ctx, queueName)
		if err != nil {
			return err
		}

		for i := 0; i < w.options.PoolSize; i++ {
			w.wg.Add(1)

			go w.runLoop(ctx, queueName)
		}
	}

	<-ctx.Done()
	w.logger.Info("Shutting down worker...")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.options.ShutdownGrace()):
		w.logger.Warn("Shutdown grace period expired with work in flight")
	}

	return nil
}

func (w *Worker) runLoop(ctx context.Context, queueName string) {
	defer w.wg.Done()

	logger := w.logger.With("queue", queueName)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.queue.Dequeue(ctx, queueName, w.options.Visibility())
		if err != nil {
			if ctx.Err() == nil {
				logger.ErrorContext(ctx, "Dequeue failed", "error", err)
			}

			sleep(ctx, pollInterval)

			continue
		}

		if msg == nil {
			sleep(ctx, pollInterval)

			continue
		}

		w.process(ctx, msg)
	}
}

func (w *Worker) process(ctx context.Context, msg *queue.Message) {
	ctx, span := w.tracer.Start(ctx, "worker.process")
	defer span.End()

	value, err := models.DecodeValue(msg.Payload)
	if err != nil {
		// Undecodable messages would loop forever; park them with the error
		// recorded so the admin surface can inspect them.
		w.logger.ErrorContext(ctx, "Failed to decode message", "queue", msg.Queue, "id", msg.ID, "error", err)

		if failErr := w.queue.Fail(ctx, msg.Queue, msg.ID, err.Error(), w.options.Checkin()); failErr != nil {
			w.logger.ErrorContext(ctx, "Failed to park message", "queue", msg.Queue, "id", msg.ID, "error", failErr)
		}

		return
	}

	switch typed := value.(type) {
	case *models.Plan:
		w.handlePlan(ctx, msg, typed)
	case *models.Job:
		w.handleJob(ctx, msg, typed)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
