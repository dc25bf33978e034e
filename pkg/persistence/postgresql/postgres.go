// Package postgresql provides the PostgreSQL persistence implementation for
// workflows, lifecycle states, traits, schedules and entity cursors.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/persistence/sqlbase"
)

// Open connects to the database and applies the conduit schema.
func Open(ctx context.Context, logger *slog.Logger, databaseURL string) (*sql.DB, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, Migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	workflowRepo *WorkflowRepository
	stateRepo    *StateRepository
	traitRepo    *TraitRepository
	scheduleRepo *ScheduleRepository
	cursorRepo   *CursorRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := Open(ctx, logger, databaseURL)
	if err != nil {
		return nil, err
	}

	return NewPersistenceWithDB(database, logger), nil
}

// NewPersistenceWithDB wraps an already-migrated database handle.
func NewPersistenceWithDB(database *sql.DB, logger *slog.Logger) *Persistence {
	return &Persistence{
		db:           database,
		logger:       logger,
		workflowRepo: NewWorkflowRepository(database, logger),
		stateRepo:    NewStateRepository(database, logger),
		traitRepo:    NewTraitRepository(database, logger),
		scheduleRepo: NewScheduleRepository(database, logger),
		cursorRepo:   NewCursorRepository(database, logger),
	}
}

var _ persistence.Persistence = (*Persistence)(nil)

// DB exposes the underlying handle so the queue backend can share the pool.
func (p *Persistence) DB() *sql.DB {
	return p.db
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	return p.workflowRepo.GetAll(ctx)
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	return p.workflowRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return p.workflowRepo.Save(ctx, workflow)
}

func (p *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	return p.workflowRepo.Delete(ctx, id)
}

func (p *Persistence) WorkflowStates(ctx context.Context) ([]*models.WorkflowState, error) {
	return p.stateRepo.GetAll(ctx)
}

func (p *Persistence) WorkflowStateByID(ctx context.Context, id string) (*models.WorkflowState, error) {
	return p.stateRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveWorkflowState(ctx context.Context, state *models.WorkflowState) error {
	return p.stateRepo.Save(ctx, state)
}

func (p *Persistence) WorkflowTransition(ctx context.Context, fromStateID, toStateID string) (*models.WorkflowStateTransition, error) {
	return p.stateRepo.GetTransition(ctx, fromStateID, toStateID)
}

func (p *Persistence) SaveWorkflowTransition(ctx context.Context, transition *models.WorkflowStateTransition) error {
	return p.stateRepo.SaveTransition(ctx, transition)
}

func (p *Persistence) Traits(ctx context.Context) ([]*models.Trait, error) {
	return p.traitRepo.GetAll(ctx)
}

func (p *Persistence) TraitByID(ctx context.Context, id string) (*models.Trait, error) {
	return p.traitRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveTrait(ctx context.Context, trait *models.Trait) error {
	return p.traitRepo.Save(ctx, trait)
}

func (p *Persistence) Schedules(ctx context.Context) ([]*models.WorkflowSchedule, error) {
	return p.scheduleRepo.GetAll(ctx)
}

func (p *Persistence) ScheduleByID(ctx context.Context, id string) (*models.WorkflowSchedule, error) {
	return p.scheduleRepo.GetByID(ctx, id)
}

func (p *Persistence) DueSchedules(ctx context.Context, now time.Time) ([]*models.WorkflowSchedule, error) {
	return p.scheduleRepo.GetDue(ctx, now)
}

func (p *Persistence) SaveSchedule(ctx context.Context, schedule *models.WorkflowSchedule) error {
	return p.scheduleRepo.Save(ctx, schedule)
}

func (p *Persistence) DeleteSchedule(ctx context.Context, id string) error {
	return p.scheduleRepo.Delete(ctx, id)
}

func (p *Persistence) ClaimScheduleRun(ctx context.Context, schedule *models.WorkflowSchedule, expectedNextRun time.Time) (bool, error) {
	return p.scheduleRepo.ClaimRun(ctx, schedule, expectedNextRun)
}

func (p *Persistence) EntityCursor(ctx context.Context, ref models.EntityRef) (*models.EntityCursor, error) {
	return p.cursorRepo.Get(ctx, ref)
}

func (p *Persistence) SaveEntityCursor(ctx context.Context, cursor *models.EntityCursor) error {
	return p.cursorRepo.Save(ctx, cursor)
}

func (p *Persistence) SetEntityState(ctx context.Context, ref models.EntityRef, stateID string) error {
	return p.cursorRepo.SetState(ctx, ref, stateID)
}

func (p *Persistence) SetEntityStatePending(ctx context.Context, ref models.EntityRef, pendingStateID string, valid *time.Time) error {
	return p.cursorRepo.SetStatePending(ctx, ref, pendingStateID, valid)
}

func (p *Persistence) SetEntityReady(ctx context.Context, ref models.EntityRef) error {
	return p.cursorRepo.SetReady(ctx, ref)
}

func (p *Persistence) MarkEntityDeleted(ctx context.Context, ref models.EntityRef) error {
	return p.cursorRepo.MarkDeleted(ctx, ref)
}

func (p *Persistence) DeleteEntity(ctx context.Context, ref models.EntityRef) error {
	return p.cursorRepo.Delete(ctx, ref)
}

func (p *Persistence) LookupIdempotencyKey(ctx context.Context, key string) (*models.ExecutionID, error) {
	var id models.ExecutionID

	err := p.db.QueryRowContext(ctx,
		"SELECT queue, message_id FROM idempotency_keys WHERE key = $1", key).
		Scan(&id.Queue, &id.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	return &id, nil
}

func (p *Persistence) RegisterIdempotencyKey(ctx context.Context, key string, id models.ExecutionID) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, queue, message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`,
		key, id.Queue, id.ID)
	if err != nil {
		return false, fmt.Errorf("failed to register idempotency key: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to register idempotency key: %w", err)
	}

	return affected == 1, nil
}
