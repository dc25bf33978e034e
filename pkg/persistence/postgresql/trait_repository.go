package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// TraitRepository handles trait storage.
type TraitRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTraitRepository creates a new trait repository.
func NewTraitRepository(db *sql.DB, logger *slog.Logger) *TraitRepository {
	return &TraitRepository{db: db, logger: logger}
}

const traitColumns = "id, name, description, workflow_ids, delete_workflow_id, content_types"

// GetAll retrieves all traits.
func (tr *TraitRepository) GetAll(ctx context.Context) ([]*models.Trait, error) {
	rows, err := tr.db.QueryContext(ctx, "SELECT "+traitColumns+" FROM traits ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query traits: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			tr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var traits []*models.Trait

	for rows.Next() {
		trait, err := scanTrait(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trait: %w", err)
		}

		traits = append(traits, trait)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating traits: %w", err)
	}

	return traits, nil
}

// GetByID retrieves one trait.
func (tr *TraitRepository) GetByID(ctx context.Context, id string) (*models.Trait, error) {
	trait, err := scanTrait(tr.db.QueryRowContext(ctx,
		"SELECT "+traitColumns+" FROM traits WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTraitNotFound
		}

		return nil, fmt.Errorf("failed to scan trait: %w", err)
	}

	return trait, nil
}

// Save inserts or updates a trait.
func (tr *TraitRepository) Save(ctx context.Context, trait *models.Trait) error {
	query := `
		INSERT INTO traits (id, name, description, workflow_ids, delete_workflow_id, content_types)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			workflow_ids = EXCLUDED.workflow_ids,
			delete_workflow_id = EXCLUDED.delete_workflow_id,
			content_types = EXCLUDED.content_types
	`

	_, err := tr.db.ExecContext(ctx, query,
		trait.ID,
		trait.Name,
		trait.Description,
		pq.Array(trait.WorkflowIDs),
		trait.DeleteWorkflowID,
		pq.Array(trait.ContentTypes),
	)
	if err != nil {
		return fmt.Errorf("failed to save trait %s: %w", trait.ID, err)
	}

	return nil
}

func scanTrait(row rowScanner) (*models.Trait, error) {
	var trait models.Trait

	err := row.Scan(
		&trait.ID,
		&trait.Name,
		&trait.Description,
		pq.Array(&trait.WorkflowIDs),
		&trait.DeleteWorkflowID,
		pq.Array(&trait.ContentTypes),
	)
	if err != nil {
		return nil, err
	}

	return &trait, nil
}
