// Package main provides the conduit admin API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/dukex/conduit/pkg/queue"
	"github.com/dukex/conduit/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	queue       queue.Queue
	enqueuer    protocol.Enqueuer
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	p persistence.Persistence,
	q queue.Queue,
	enqueuer protocol.Enqueuer,
) *API {
	return &API{
		logger:      logger,
		persistence: p,
		queue:       q,
		enqueuer:    enqueuer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.logger, a.persistence, a.queue, a.enqueuer, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conduit Admin API")
	})

	q := app.Group("/queues")
	q.Get("/:queue/stats", handlers.GetQueueStats)
	q.Post("/:queue/messages/:id/retry", handlers.RetryMessage)

	app.Post("/plans/:queue/:id/cancel", handlers.CancelPlan)
	app.Post("/executions", handlers.CreateExecution)

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.SaveWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)

	s := app.Group("/states")
	s.Get("/", handlers.GetStates)
	s.Post("/", handlers.SaveState)
	s.Post("/transitions", handlers.SaveTransition)

	t := app.Group("/traits")
	t.Get("/", handlers.GetTraits)
	t.Post("/", handlers.SaveTrait)

	sc := app.Group("/schedules")
	sc.Get("/", handlers.GetSchedules)
	sc.Post("/", handlers.SaveSchedule)
	sc.Get("/:id", handlers.GetSchedule)
	sc.Delete("/:id", handlers.DeleteSchedule)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
