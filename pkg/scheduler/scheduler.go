// Package scheduler turns recurring workflow schedules into enqueued plans.
// Any number of scheduler instances may run concurrently: the enqueue is
// keyed by occurrence so duplicates collapse, and the compare-and-set on the
// schedule row advances the cursor only after the occurrence is safely in
// the queue. A crash mid-firing re-fires the same occurrence next tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conduit/pkg/config"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
)

type Scheduler struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	enqueuer    protocol.Enqueuer
	options     config.Options
}

func NewScheduler(logger *slog.Logger, p persistence.Persistence, enqueuer protocol.Enqueuer, options config.Options) *Scheduler {
	return &Scheduler{
		logger:      logger.With("module", "scheduler"),
		persistence: p,
		enqueuer:    enqueuer,
		options:     options,
	}
}

// Start ticks until the context is cancelled. The first tick runs
// immediately so restarts do not add a full tick of latency to overdue
// schedules.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting scheduler", "tick", s.options.SchedulerTick())

	ticker := time.NewTicker(s.options.SchedulerTick())
	defer ticker.Stop()

	s.Tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")

			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick fires every due schedule once. A schedule replaying missed
// occurrences in "all" mode advances one occurrence per tick and stays due,
// so the backlog drains tick by tick without flooding the queue.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due, err := s.persistence.DueSchedules(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load due schedules", "error", err)

		return
	}

	for _, schedule := range due {
		if err := s.fire(ctx, schedule, now); err != nil {
			s.logger.ErrorContext(ctx, "Failed to fire schedule",
				"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID, "error", err)
		}
	}
}

// fire delivers one occurrence of a due schedule: enqueue the plan keyed by
// the occurrence instant, then advance the stored cursor with a
// compare-and-set.
func (s *Scheduler) fire(ctx context.Context, schedule *models.WorkflowSchedule, now time.Time) error {
	expected := *schedule.NextRun

	occurrence, err := s.occurrence(schedule, now)
	if err != nil {
		return err
	}

	// The enqueue goes first. Its idempotency key collapses duplicates, so
	// failing or crashing here leaves the cursor untouched and the next tick
	// re-fires the same occurrence instead of losing it.
	ids, err := s.enqueuer.Enqueue(ctx, s.request(schedule, occurrence))
	if err != nil {
		return fmt.Errorf("failed to enqueue scheduled workflow: %w", err)
	}

	advanced := *schedule

	err = advanced.Advance(occurrence, now)
	if err != nil {
		return err
	}

	claimed, err := s.persistence.ClaimScheduleRun(ctx, &advanced, expected)
	if err != nil {
		return err
	}

	if !claimed {
		// Another instance advanced the cursor. Its enqueue carries the same
		// occurrence key, so only one plan exists.
		return nil
	}

	s.logger.InfoContext(ctx, "Fired schedule",
		"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID,
		"occurrence", occurrence, "plans", len(ids))

	return nil
}

// occurrence picks the firing instant: the oldest due occurrence when the
// schedule replays everything, the newest one not after now when missed
// firings collapse.
func (s *Scheduler) occurrence(schedule *models.WorkflowSchedule, now time.Time) (time.Time, error) {
	occurrence := *schedule.NextRun

	catchupAll := schedule.CatchupAll()
	if schedule.Catchup == "" {
		catchupAll = s.options.SchedulerCatchup == config.CatchupAll
	}

	if catchupAll {
		return occurrence, nil
	}

	for {
		next, err := schedule.NextAfter(occurrence)
		if err != nil {
			return time.Time{}, err
		}

		if next == nil || next.After(now) {
			return occurrence, nil
		}

		occurrence = *next
	}
}

func (s *Scheduler) request(schedule *models.WorkflowSchedule, occurrence time.Time) *models.EnqueueRequest {
	return &models.EnqueueRequest{
		WorkflowID:   schedule.WorkflowID,
		MetadataID:   schedule.MetadataID,
		CollectionID: schedule.CollectionID,
		Context:      scheduleContext(schedule, occurrence),
		IdempotencyKey: fmt.Sprintf("schedule:%s:%s",
			schedule.ID, occurrence.UTC().Format(time.RFC3339)),
	}
}

func scheduleContext(schedule *models.WorkflowSchedule, occurrence time.Time) map[string]any {
	context := make(map[string]any, len(schedule.Attributes)+2)

	for key, value := range schedule.Configuration {
		context[key] = value
	}

	for key, value := range schedule.Attributes {
		context[key] = value
	}

	context["schedule_id"] = schedule.ID
	context["scheduled_for"] = occurrence.UTC().Format(time.RFC3339)

	return context
}
