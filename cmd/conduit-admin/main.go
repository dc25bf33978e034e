package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/conduit/pkg/cache"
	"github.com/dukex/conduit/pkg/cmd"
	"github.com/dukex/conduit/pkg/config"
	"github.com/dukex/conduit/pkg/enqueue"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/planner"
)

func main() {
	command := &cli.Command{
		Name:                  "conduit-admin",
		EnableShellCompletion: true,
		Usage:                 "Serve the conduit admin API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for the queue and domain store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP listen port",
				Value:   8080,
				Sources: cli.EnvVars("PORT"),
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
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the entity cache (empty disables)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Value:   "",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database index",
				Value:   0,
				Sources: cli.EnvVars("REDIS_DB"),
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

	logger := log.WithModule("conduit-admin")
	logger.InfoContext(ctx, "Initializing conduit admin API")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	options := config.Default()

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

	eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "conduit-admin", logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	// The admin binary also hosts the cache invalidator: it follows content
	// change events and drops stale entity entries.
	entityCache := cmd.NewCache(ctx, logger, command.String("redis-addr"), command.String("redis-password"), int(command.Int("redis-db")))
	defer func() {
		if err := entityCache.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close cache", "error", err)
		}
	}()

	err := cache.NewInvalidator(logger, entityCache).Start(ctx, eventBus)
	if err != nil {
		return err
	}

	reg := cmd.NewRegistry(logger)
	pl := planner.NewPlanner(logger, reg, int32(options.MaxAttempts))
	enqueuer := enqueue.NewService(logger, queueBackend, store, pl)

	api := NewAPI(logger, store, queueBackend, enqueuer)
	app := api.App()

	go func() {
		<-ctx.Done()

		if err := app.Shutdown(); err != nil {
			logger.Error("Failed to shut down API", "error", err)
		}
	}()

	return app.Listen(":" + strconv.Itoa(int(command.Int("port"))))
}
