// Package persistence provides the data storage abstraction layer for
// workflow definitions, lifecycle states, traits, schedules and entity
// cursors.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/conduit/pkg/models"
)

type Persistence interface {
	// Workflow definitions.
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Lifecycle states and their declared transitions.
	WorkflowStates(ctx context.Context) ([]*models.WorkflowState, error)
	WorkflowStateByID(ctx context.Context, id string) (*models.WorkflowState, error)
	SaveWorkflowState(ctx context.Context, state *models.WorkflowState) error
	WorkflowTransition(ctx context.Context, fromStateID, toStateID string) (*models.WorkflowStateTransition, error)
	SaveWorkflowTransition(ctx context.Context, transition *models.WorkflowStateTransition) error

	// Traits.
	Traits(ctx context.Context) ([]*models.Trait, error)
	TraitByID(ctx context.Context, id string) (*models.Trait, error)
	SaveTrait(ctx context.Context, trait *models.Trait) error

	// Schedules.
	Schedules(ctx context.Context) ([]*models.WorkflowSchedule, error)
	ScheduleByID(ctx context.Context, id string) (*models.WorkflowSchedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]*models.WorkflowSchedule, error)
	SaveSchedule(ctx context.Context, schedule *models.WorkflowSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
	// ClaimScheduleRun persists the advanced schedule only if its stored
	// next_run still matches expectedNextRun. Returns false when another
	// scheduler instance claimed the firing first.
	ClaimScheduleRun(ctx context.Context, schedule *models.WorkflowSchedule, expectedNextRun time.Time) (bool, error)

	// Entity cursors.
	EntityCursor(ctx context.Context, ref models.EntityRef) (*models.EntityCursor, error)
	SaveEntityCursor(ctx context.Context, cursor *models.EntityCursor) error
	SetEntityState(ctx context.Context, ref models.EntityRef, stateID string) error
	SetEntityStatePending(ctx context.Context, ref models.EntityRef, pendingStateID string, valid *time.Time) error
	SetEntityReady(ctx context.Context, ref models.EntityRef) error
	MarkEntityDeleted(ctx context.Context, ref models.EntityRef) error
	DeleteEntity(ctx context.Context, ref models.EntityRef) error

	// Enqueue idempotency registry.
	LookupIdempotencyKey(ctx context.Context, key string) (*models.ExecutionID, error)
	// RegisterIdempotencyKey records key -> id. Returns false when the key
	// is already registered.
	RegisterIdempotencyKey(ctx context.Context, key string, id models.ExecutionID) (bool, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
