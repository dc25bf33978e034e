// Package main provides the conduit scheduler: it materializes recurring
// workflow schedules into enqueued plans.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/config"
	"github.com/dukex/conduit/pkg/enqueue"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/planner"
	"github.com/dukex/conduit/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "conduit-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Fire recurring workflow schedules",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for the queue and domain store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.IntFlag{
				Name:    "tick-seconds",
				Usage:   "Scheduler tick interval",
				Value:   config.DefaultSchedulerTickSeconds,
				Sources: cli.EnvVars("SCHEDULER_TICK_SECONDS"),
			},
			&cli.StringFlag{
				Name:    "catchup",
				Usage:   "Default catchup mode for schedules (all, latest)",
				Value:   string(config.CatchupLatest),
				Sources: cli.EnvVars("SCHEDULER_CATCHUP"),
			},
			&cli.IntFlag{
				Name:    "max-attempts",
				Usage:   "Default attempts before a job fails terminally",
				Value:   config.DefaultMaxAttempts,
				Sources: cli.EnvVars("MAX_ATTEMPTS"),
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

	logger := log.WithModule("conduit-scheduler")
	logger.InfoContext(ctx, "Initializing conduit scheduler")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	options := config.Default()
	options.SchedulerTickSeconds = int(command.Int("tick-seconds"))
	options.SchedulerCatchup = config.Catchup(command.String("catchup"))
	options.MaxAttempts = int(command.Int("max-attempts"))

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

	reg := cmd.NewRegistry(logger)
	pl := planner.NewPlanner(logger, reg, int32(options.MaxAttempts))
	enqueuer := enqueue.NewService(logger, queueBackend, store, pl)

	return scheduler.NewScheduler(logger, store, enqueuer, options).Start(ctx)
}
