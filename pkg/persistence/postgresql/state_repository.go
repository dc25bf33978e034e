package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// StateRepository handles lifecycle state and transition storage.
type StateRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStateRepository creates a new state repository.
func NewStateRepository(db *sql.DB, logger *slog.Logger) *StateRepository {
	return &StateRepository{db: db, logger: logger}
}

const stateColumns = "id, name, description, type, configuration, workflow_id, entry_workflow_id, exit_workflow_id"

// GetAll retrieves all lifecycle states.
func (sr *StateRepository) GetAll(ctx context.Context) ([]*models.WorkflowState, error) {
	rows, err := sr.db.QueryContext(ctx,
		"SELECT "+stateColumns+" FROM workflow_states ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow states: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			sr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var states []*models.WorkflowState

	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow state: %w", err)
		}

		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow states: %w", err)
	}

	return states, nil
}

// GetByID retrieves one lifecycle state.
func (sr *StateRepository) GetByID(ctx context.Context, id string) (*models.WorkflowState, error) {
	state, err := scanState(sr.db.QueryRowContext(ctx,
		"SELECT "+stateColumns+" FROM workflow_states WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrStateNotFound
		}

		return nil, fmt.Errorf("failed to scan workflow state: %w", err)
	}

	return state, nil
}

// Save inserts or updates a lifecycle state.
func (sr *StateRepository) Save(ctx context.Context, state *models.WorkflowState) error {
	configJSON, err := json.Marshal(state.Configuration)
	if err != nil {
		return fmt.Errorf("failed to marshal state configuration: %w", err)
	}

	query := `
		INSERT INTO workflow_states (id, name, description, type, configuration, workflow_id, entry_workflow_id, exit_workflow_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			type = EXCLUDED.type,
			configuration = EXCLUDED.configuration,
			workflow_id = EXCLUDED.workflow_id,
			entry_workflow_id = EXCLUDED.entry_workflow_id,
			exit_workflow_id = EXCLUDED.exit_workflow_id
	`

	_, err = sr.db.ExecContext(ctx, query,
		state.ID,
		state.Name,
		state.Description,
		state.Type,
		configJSON,
		state.WorkflowID,
		state.EntryWorkflowID,
		state.ExitWorkflowID,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow state %s: %w", state.ID, err)
	}

	return nil
}

// GetTransition retrieves a declared transition between two states.
func (sr *StateRepository) GetTransition(ctx context.Context, fromStateID, toStateID string) (*models.WorkflowStateTransition, error) {
	var transition models.WorkflowStateTransition

	err := sr.db.QueryRowContext(ctx, `
		SELECT from_state_id, to_state_id, description
		FROM workflow_state_transitions
		WHERE from_state_id = $1 AND to_state_id = $2`,
		fromStateID, toStateID).
		Scan(&transition.FromStateID, &transition.ToStateID, &transition.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTransitionNotFound
		}

		return nil, fmt.Errorf("failed to query transition: %w", err)
	}

	return &transition, nil
}

// SaveTransition declares a transition between two states.
func (sr *StateRepository) SaveTransition(ctx context.Context, transition *models.WorkflowStateTransition) error {
	_, err := sr.db.ExecContext(ctx, `
		INSERT INTO workflow_state_transitions (from_state_id, to_state_id, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (from_state_id, to_state_id) DO UPDATE SET
			description = EXCLUDED.description`,
		transition.FromStateID, transition.ToStateID, transition.Description)
	if err != nil {
		return fmt.Errorf("failed to save transition %s -> %s: %w", transition.FromStateID, transition.ToStateID, err)
	}

	return nil
}

func scanState(row rowScanner) (*models.WorkflowState, error) {
	var (
		state      models.WorkflowState
		configJSON []byte
	)

	err := row.Scan(
		&state.ID,
		&state.Name,
		&state.Description,
		&state.Type,
		&configJSON,
		&state.WorkflowID,
		&state.EntryWorkflowID,
		&state.ExitWorkflowID,
	)
	if err != nil {
		return nil, err
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &state.Configuration); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state configuration: %w", err)
		}
	}

	return &state, nil
}
