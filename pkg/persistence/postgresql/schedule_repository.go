package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

// ScheduleRepository handles workflow schedule storage.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

const scheduleColumns = `id, metadata_id, collection_id, workflow_id, attributes, configuration,
	rrule, cron, starts, ends, last_run, next_run, last_scheduled, enabled, catchup`

// GetAll retrieves all schedules.
func (sr *ScheduleRepository) GetAll(ctx context.Context) ([]*models.WorkflowSchedule, error) {
	return sr.query(ctx, "SELECT "+scheduleColumns+" FROM workflow_schedules ORDER BY id")
}

// GetDue retrieves enabled schedules whose next run is at or before now.
func (sr *ScheduleRepository) GetDue(ctx context.Context, now time.Time) ([]*models.WorkflowSchedule, error) {
	return sr.query(ctx,
		"SELECT "+scheduleColumns+" FROM workflow_schedules WHERE enabled AND next_run <= $1 ORDER BY next_run",
		now)
}

func (sr *ScheduleRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowSchedule, error) {
	rows, err := sr.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			sr.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	var schedules []*models.WorkflowSchedule

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

// GetByID retrieves one schedule.
func (sr *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.WorkflowSchedule, error) {
	schedule, err := scanSchedule(sr.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM workflow_schedules WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	return schedule, nil
}

// Save inserts or updates a schedule.
func (sr *ScheduleRepository) Save(ctx context.Context, schedule *models.WorkflowSchedule) error {
	attributesJSON, configJSON, err := marshalScheduleJSON(schedule)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_schedules (` + scheduleInsertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			metadata_id = EXCLUDED.metadata_id,
			collection_id = EXCLUDED.collection_id,
			workflow_id = EXCLUDED.workflow_id,
			attributes = EXCLUDED.attributes,
			configuration = EXCLUDED.configuration,
			rrule = EXCLUDED.rrule,
			cron = EXCLUDED.cron,
			starts = EXCLUDED.starts,
			ends = EXCLUDED.ends,
			last_run = EXCLUDED.last_run,
			next_run = EXCLUDED.next_run,
			last_scheduled = EXCLUDED.last_scheduled,
			enabled = EXCLUDED.enabled,
			catchup = EXCLUDED.catchup
	`

	_, err = sr.db.ExecContext(ctx, query, scheduleArgs(schedule, attributesJSON, configJSON)...)
	if err != nil {
		return fmt.Errorf("failed to save schedule %s: %w", schedule.ID, err)
	}

	return nil
}

// ClaimRun persists the advanced schedule only if next_run is unchanged
// since the schedule was read. Returns false when another scheduler won.
func (sr *ScheduleRepository) ClaimRun(ctx context.Context, schedule *models.WorkflowSchedule, expectedNextRun time.Time) (bool, error) {
	query := `
		UPDATE workflow_schedules SET
			last_run = $2,
			next_run = $3,
			last_scheduled = $4,
			enabled = $5
		WHERE id = $1 AND next_run = $6
	`

	result, err := sr.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.LastRun,
		schedule.NextRun,
		schedule.LastScheduled,
		schedule.Enabled,
		expectedNextRun,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule run %s: %w", schedule.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule run %s: %w", schedule.ID, err)
	}

	return affected == 1, nil
}

// Delete removes a schedule.
func (sr *ScheduleRepository) Delete(ctx context.Context, id string) error {
	result, err := sr.db.ExecContext(ctx, "DELETE FROM workflow_schedules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrScheduleNotFound
	}

	return nil
}

const scheduleInsertColumns = `id, metadata_id, collection_id, workflow_id, attributes, configuration,
			rrule, cron, starts, ends, last_run, next_run, last_scheduled, enabled, catchup`

func marshalScheduleJSON(schedule *models.WorkflowSchedule) ([]byte, []byte, error) {
	attributesJSON, err := json.Marshal(schedule.Attributes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal schedule attributes: %w", err)
	}

	configJSON, err := json.Marshal(schedule.Configuration)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal schedule configuration: %w", err)
	}

	return attributesJSON, configJSON, nil
}

func scheduleArgs(schedule *models.WorkflowSchedule, attributesJSON, configJSON []byte) []any {
	return []any{
		schedule.ID,
		schedule.MetadataID,
		schedule.CollectionID,
		schedule.WorkflowID,
		attributesJSON,
		configJSON,
		schedule.RRule,
		schedule.Cron,
		schedule.Starts,
		schedule.Ends,
		schedule.LastRun,
		schedule.NextRun,
		schedule.LastScheduled,
		schedule.Enabled,
		schedule.Catchup,
	}
}

func scanSchedule(row rowScanner) (*models.WorkflowSchedule, error) {
	var (
		schedule       models.WorkflowSchedule
		attributesJSON []byte
		configJSON     []byte
	)

	err := row.Scan(
		&schedule.ID,
		&schedule.MetadataID,
		&schedule.CollectionID,
		&schedule.WorkflowID,
		&attributesJSON,
		&configJSON,
		&schedule.RRule,
		&schedule.Cron,
		&schedule.Starts,
		&schedule.Ends,
		&schedule.LastRun,
		&schedule.NextRun,
		&schedule.LastScheduled,
		&schedule.Enabled,
		&schedule.Catchup,
	)
	if err != nil {
		return nil, err
	}

	if len(attributesJSON) > 0 {
		if err := json.Unmarshal(attributesJSON, &schedule.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule attributes: %w", err)
		}
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &schedule.Configuration); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule configuration: %w", err)
		}
	}

	return &schedule, nil
}
