package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// ErrInvalidSchedule is returned when schedule validation fails.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// WorkflowSchedule is a recurring trigger that materializes plans at
// rrule- or cron-driven instants. Monotonic: NextRun never moves backwards,
// and once NextRun passes Ends (if set) the schedule is quiescent.
type WorkflowSchedule struct {
	ID string `json:"id" validate:"required"`

	MetadataID   *string `json:"metadata_id,omitempty"`
	CollectionID *string `json:"collection_id,omitempty"`

	WorkflowID    string         `json:"workflow_id" validate:"required"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`

	// Exactly one of RRule or Cron is set. RRule uses RFC-5545 RRULE
	// syntax; Cron uses the standard 5-field format.
	RRule string `json:"rrule,omitempty"`
	Cron  string `json:"cron,omitempty"`

	Starts        time.Time  `json:"starts"`
	Ends          *time.Time `json:"ends,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastScheduled *time.Time `json:"last_scheduled,omitempty"`
	Enabled       bool       `json:"enabled"`

	// Catchup controls delivery of firings missed during downtime:
	// "all" replays every missed occurrence (one per tick), "latest"
	// collapses them into a single firing.
	Catchup string `json:"catchup" validate:"omitempty,oneof=all latest"`
}

// NewSchedule builds a schedule with its first run computed from the
// recurrence rule.
func NewSchedule(id, workflowID, recurrence string, isCron bool) (*WorkflowSchedule, error) {
	schedule := &WorkflowSchedule{
		ID:         id,
		WorkflowID: workflowID,
		Enabled:    true,
	}

	if isCron {
		schedule.Cron = recurrence
	} else {
		schedule.RRule = recurrence
	}

	err := schedule.Validate()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	schedule.Starts = now

	next, err := schedule.NextAfter(now)
	if err != nil {
		return nil, err
	}

	schedule.NextRun = next

	return schedule, nil
}

// IsDue reports whether the schedule should fire at the given instant.
func (s *WorkflowSchedule) IsDue(now time.Time) bool {
	return s.Enabled && s.NextRun != nil && !s.NextRun.After(now)
}

// Quiescent reports whether the schedule has run its course.
func (s *WorkflowSchedule) Quiescent() bool {
	if s.NextRun == nil {
		return true
	}

	return s.Ends != nil && s.NextRun.After(*s.Ends)
}

// NextAfter computes the first occurrence strictly after t, or nil when the
// recurrence is exhausted or past Ends.
func (s *WorkflowSchedule) NextAfter(t time.Time) (*time.Time, error) {
	var next time.Time

	if s.Cron != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

		expr, err := parser.Parse(s.Cron)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cron expression: %w", err)
		}

		next = expr.Next(t)
		if next.IsZero() {
			return nil, nil
		}
	} else {
		set, err := rrule.StrToRRuleSet(s.RRule)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rrule: %w", err)
		}

		next = set.After(t, false)
		if next.IsZero() {
			return nil, nil
		}
	}

	next = next.UTC()

	if s.Ends != nil && next.After(*s.Ends) {
		return nil, nil
	}

	return &next, nil
}

// Advance records a delivered firing and moves the cursor to the next
// occurrence after `from`. Disables the schedule when the recurrence is
// exhausted.
func (s *WorkflowSchedule) Advance(from, now time.Time) error {
	run := from
	s.LastRun = &run
	s.LastScheduled = &now

	next, err := s.NextAfter(from)
	if err != nil {
		return err
	}

	s.NextRun = next
	if s.Quiescent() {
		s.Enabled = false
		s.NextRun = nil
	}

	return nil
}

// CatchupAll reports whether every missed firing should be replayed.
func (s *WorkflowSchedule) CatchupAll() bool {
	return s.Catchup == "all"
}

// Validate checks the schedule fields, including that the recurrence
// expression parses.
func (s *WorkflowSchedule) Validate() error {
	if s.ID == "" || s.WorkflowID == "" {
		return ErrInvalidSchedule
	}

	if (s.RRule == "") == (s.Cron == "") {
		return ErrInvalidSchedule
	}

	if s.Cron != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

		_, err := parser.Parse(s.Cron)

		return err
	}

	_, err := rrule.StrToRRuleSet(s.RRule)

	return err
}
