package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// CursorRepository handles entity cursor storage: the slice of a content
// entity the workflow core owns.
type CursorRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCursorRepository creates a new cursor repository.
func NewCursorRepository(db *sql.DB, logger *slog.Logger) *CursorRepository {
	return &CursorRepository{db: db, logger: logger}
}

// Get retrieves a cursor by entity reference.
func (cr *CursorRepository) Get(ctx context.Context, ref models.EntityRef) (*models.EntityCursor, error) {
	query := `
		SELECT kind, id, version, active_version, workflow_state_id, workflow_state_pending_id,
			workflow_state_valid, delete_workflow_id, ready, deleted, trait_ids
		FROM entity_cursors
		WHERE kind = $1 AND id = $2 AND version = $3
	`

	var cursor models.EntityCursor

	err := cr.db.QueryRowContext(ctx, query, ref.Kind, ref.ID, ref.Version).Scan(
		&cursor.Kind,
		&cursor.ID,
		&cursor.Version,
		&cursor.ActiveVersion,
		&cursor.WorkflowStateID,
		&cursor.WorkflowStatePendingID,
		&cursor.WorkflowStateValid,
		&cursor.DeleteWorkflowID,
		&cursor.Ready,
		&cursor.Deleted,
		pq.Array(&cursor.TraitIDs),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewEntityError("Get", ref, persistence.ErrEntityNotFound)
		}

		return nil, persistence.NewEntityError("Get", ref, err)
	}

	return &cursor, nil
}

// Save inserts or updates a cursor.
func (cr *CursorRepository) Save(ctx context.Context, cursor *models.EntityCursor) error {
	query := `
		INSERT INTO entity_cursors (kind, id, version, active_version, workflow_state_id,
			workflow_state_pending_id, workflow_state_valid, delete_workflow_id, ready, deleted, trait_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (kind, id, version) DO UPDATE SET
			active_version = EXCLUDED.active_version,
			workflow_state_id = EXCLUDED.workflow_state_id,
			workflow_state_pending_id = EXCLUDED.workflow_state_pending_id,
			workflow_state_valid = EXCLUDED.workflow_state_valid,
			delete_workflow_id = EXCLUDED.delete_workflow_id,
			ready = EXCLUDED.ready,
			deleted = EXCLUDED.deleted,
			trait_ids = EXCLUDED.trait_ids
	`

	_, err := cr.db.ExecContext(ctx, query,
		cursor.Kind,
		cursor.ID,
		cursor.Version,
		cursor.ActiveVersion,
		cursor.WorkflowStateID,
		cursor.WorkflowStatePendingID,
		cursor.WorkflowStateValid,
		cursor.DeleteWorkflowID,
		cursor.Ready,
		cursor.Deleted,
		pq.Array(cursor.TraitIDs),
	)
	if err != nil {
		return persistence.NewEntityError("Save", cursor.Ref(), err)
	}

	return nil
}

func (cr *CursorRepository) exec(ctx context.Context, op string, ref models.EntityRef, query string, args ...any) error {
	result, err := cr.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewEntityError(op, ref, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError(op, ref, err)
	}

	if affected == 0 {
		return persistence.NewEntityError(op, ref, persistence.ErrEntityNotFound)
	}

	return nil
}

// SetState commits a state and clears any pending transition.
func (cr *CursorRepository) SetState(ctx context.Context, ref models.EntityRef, stateID string) error {
	return cr.exec(ctx, "SetState", ref, `
		UPDATE entity_cursors
		SET workflow_state_id = $4, workflow_state_pending_id = NULL, workflow_state_valid = NULL
		WHERE kind = $1 AND id = $2 AND version = $3`,
		ref.Kind, ref.ID, ref.Version, stateID)
}

// SetStatePending records an in-flight transition target.
func (cr *CursorRepository) SetStatePending(ctx context.Context, ref models.EntityRef, pendingStateID string, valid *time.Time) error {
	return cr.exec(ctx, "SetPending", ref, `
		UPDATE entity_cursors
		SET workflow_state_pending_id = $4, workflow_state_valid = $5
		WHERE kind = $1 AND id = $2 AND version = $3`,
		ref.Kind, ref.ID, ref.Version, pendingStateID, valid)
}

// SetReady stamps the ready time once; later calls leave it untouched.
func (cr *CursorRepository) SetReady(ctx context.Context, ref models.EntityRef) error {
	return cr.exec(ctx, "SetReady", ref, `
		UPDATE entity_cursors
		SET ready = COALESCE(ready, NOW())
		WHERE kind = $1 AND id = $2 AND version = $3`,
		ref.Kind, ref.ID, ref.Version)
}

// MarkDeleted flags the entity as logically deleted.
func (cr *CursorRepository) MarkDeleted(ctx context.Context, ref models.EntityRef) error {
	return cr.exec(ctx, "MarkDeleted", ref, `
		UPDATE entity_cursors
		SET deleted = TRUE
		WHERE kind = $1 AND id = $2 AND version = $3`,
		ref.Kind, ref.ID, ref.Version)
}

// Delete removes the cursor permanently.
func (cr *CursorRepository) Delete(ctx context.Context, ref models.EntityRef) error {
	return cr.exec(ctx, "Delete", ref,
		"DELETE FROM entity_cursors WHERE kind = $1 AND id = $2 AND version = $3",
		ref.Kind, ref.ID, ref.Version)
}
