// Package main provides the conduit worker: pools of goroutines executing
// workflow plans and activity jobs from configured queues.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/config"
	"github.com/dukex/conduit/pkg/enqueue"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/otelhelper"
	"github.com/dukex/conduit/pkg/planner"
	"github.com/dukex/conduit/pkg/statemachine"
	"github.com/dukex/conduit/pkg/worker"
)

func main() {
	command := &cli.Command{
		Name:                  "conduit-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute workflow plans and jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for the queue and domain store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "queues",
				Usage:    "Comma-separated queues to poll",
				Required: true,
				Sources:  cli.EnvVars("QUEUES"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker addresses",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.IntFlag{
				Name:    "pool-size",
				Usage:   "Goroutines per queue",
				Value:   config.DefaultPoolSize,
				Sources: cli.EnvVars("POOL_SIZE"),
			},
			&cli.IntFlag{
				Name:    "visibility-seconds",
				Usage:   "Message claim duration",
				Value:   config.DefaultVisibilitySeconds,
				Sources: cli.EnvVars("VISIBILITY_SECONDS"),
			},
			&cli.IntFlag{
				Name:    "checkin-seconds",
				Usage:   "Claim horizon for parked plan messages",
				Value:   config.DefaultCheckinSeconds,
				Sources: cli.EnvVars("CHECKIN_SECONDS"),
			},
			&cli.IntFlag{
				Name:    "shutdown-grace-seconds",
				Usage:   "Time in-flight jobs get to finish on shutdown",
				Value:   config.DefaultShutdownGraceSeconds,
				Sources: cli.EnvVars("SHUTDOWN_GRACE_SECONDS"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Default attempts before a job fails terminally",
				Value:   config.DefaultMaxAttempts,
				Sources: cli.EnvVars("MAX_ATTEMPTS"),
			},
			&cli.IntFlag{
				Name:    "plan-max-duration-seconds",
				Usage:   "Cancel plans running longer than this (0 disables)",
				Value:   0,
				Sources: cli.EnvVars("PLAN_MAX_DURATION_SECONDS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("conduit-worker").With("worker_id", workerID)
	logger.InfoContext(ctx, "Initializing conduit worker")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	options := config.Default()
	options.PoolSize = int(command.Int("pool-size"))
	options.VisibilitySeconds = int(command.Int("visibility-seconds"))
	options.CheckinSeconds = int(command.Int("checkin-seconds"))
	options.ShutdownGraceSeconds = int(command.Int("shutdown-grace-seconds"))
	options.MaxAttempts = int(command.Int("max-attempts"))
	options.PlanMaxDurationSeconds = int(command.Int("plan-max-duration-seconds"))

	queueBackend := cmd.NewQueue(ctx, logger, command.String("database-url"))
	defer func() {
		if err := queueBackend.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close queue", "error", err)
		}
	}()

	store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "conduit-worker", logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	tracer, err := otelhelper.NewTracer(ctx, "conduit-worker")
	if err != nil {
		return err
	}

	reg := cmd.NewRegistry(logger)
	pl := planner.NewPlanner(logger, reg, int32(options.MaxAttempts))
	enqueuer := enqueue.NewService(logger, queueBackend, store, pl)
	machine := statemachine.NewMachine(logger, store, enqueuer, eventBus)

	// Resolve wait_for_completion waiters from plan lifecycle events.
	err = eventBus.Subscribe(ctx, events.PlanTopic, enqueuer.HandlePlanEvent)
	if err != nil {
		return err
	}

	w := worker.NewWorker(workerID, logger, worker.Deps{
		Queue:        queueBackend,
		Registry:     reg,
		Persistence:  store,
		Enqueuer:     enqueuer,
		Transitioner: machine,
		Publisher:    eventBus,
		Tracer:       tracer,
	}, options, strings.Split(command.String("queues"), ","))

	return w.Start(ctx)
}
