package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dukex/conduit/pkg/models"
)

// ActivityContext carries everything a handler needs to execute one job:
// the job itself, its merged configuration, collaborator interfaces and a
// scratch area cleaned up after the attempt.
type ActivityContext struct {
	Job           *models.Job
	Configuration map[string]any
	Logger        *slog.Logger

	// Enqueued is when the job message was first persisted. Stable across
	// retries and reschedules of the same job.
	Enqueued time.Time

	Store        ContentStore
	Enqueuer     Enqueuer
	Transitioner Transitioner
	Files        SignedURLClient

	// Snapshots and Downloads are filled by the runtime before Execute:
	// entity cursors for metadata and collection inputs, signed download
	// URLs for supplementary and content file inputs, keyed by input name.
	Snapshots map[string]*models.EntityCursor
	Downloads map[string]string

	// Checkin extends the visibility claim on the running job's message and
	// reports plan cancellation via context cancellation. Long activities
	// should call it periodically.
	Checkin func(ctx context.Context) error

	tempFiles []string
}

// SpawnChildren enqueues child workflows on behalf of the running job. The
// job becomes suspensive: it completes only after every child terminates.
// The returned ids identify the child plans.
func (a *ActivityContext) SpawnChildren(ctx context.Context, request *models.EnqueueRequest) ([]models.ExecutionID, error) {
	parent := a.Job.ID
	request.Parent = &parent

	return a.Enqueuer.Enqueue(ctx, request)
}

// EntityRef resolves the entity the job targets, metadata taking precedence
// over collection.
func (a *ActivityContext) EntityRef() (models.EntityRef, bool) {
	if a.Job.MetadataID != nil {
		version := int32(0)
		if a.Job.MetadataVersion != nil {
			version = *a.Job.MetadataVersion
		}

		return models.EntityRef{Kind: models.EntityMetadata, ID: *a.Job.MetadataID, Version: version}, true
	}

	if a.Job.CollectionID != nil {
		return models.EntityRef{Kind: models.EntityCollection, ID: *a.Job.CollectionID}, true
	}

	return models.EntityRef{}, false
}

// Snapshot returns the entity cursor materialized for a metadata or
// collection input.
func (a *ActivityContext) Snapshot(name string) (*models.EntityCursor, bool) {
	cursor, ok := a.Snapshots[name]

	return cursor, ok
}

// Download returns the signed URL materialized for a file input.
func (a *ActivityContext) Download(name string) (string, bool) {
	url, ok := a.Downloads[name]

	return url, ok
}

// Input returns the declared input parameter by name.
func (a *ActivityContext) Input(name string) (models.WorkflowActivityParameter, bool) {
	for _, input := range a.Job.Inputs {
		if input.Name == name {
			return input, true
		}
	}

	return models.WorkflowActivityParameter{}, false
}

// ConfigString reads a string value from the merged configuration.
func (a *ActivityContext) ConfigString(key string) string {
	value, _ := a.Configuration[key].(string)

	return value
}

// TempFile creates a scratch file removed after the attempt finishes.
func (a *ActivityContext) TempFile(pattern string) (*os.File, error) {
	file, err := os.CreateTemp("", pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	a.tempFiles = append(a.tempFiles, file.Name())

	return file, nil
}

// Cleanup removes scratch files. Called by the runtime, success or not.
func (a *ActivityContext) Cleanup(ctx context.Context) {
	for _, name := range a.tempFiles {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			a.Logger.WarnContext(ctx, "Failed to remove temp file", "file", name, "error", err)
		}
	}

	a.tempFiles = nil
}
