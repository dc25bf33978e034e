// Package protocol defines the contracts between the worker runtime and
// activity implementations.
package protocol

import (
	"context"

	"github.com/dukex/conduit/pkg/models"
)

// ActivityHandler executes one activity kind. Implementations must be safe
// for concurrent use: the worker invokes one handler from many goroutines.
type ActivityHandler interface {
	// ID is the activity identifier jobs are matched on.
	ID() string

	// Definition declares the activity's parameters and default
	// configuration. The planner embeds it into jobs.
	Definition() *models.Activity

	// ConfigSchema returns the JSON schema the activity configuration must
	// satisfy, or nil when unconstrained.
	ConfigSchema() map[string]any

	// Execute runs the activity. The returned map is merged into the job
	// context and propagated to later execution groups. A non-nil error
	// marks the attempt failed; the runtime handles retry bookkeeping.
	Execute(ctx context.Context, activityCtx *ActivityContext) (map[string]any, error)
}

// Enqueuer launches workflows. Implemented by the enqueue front door;
// narrowed here so activities do not depend on it directly. A trait request
// expands to one plan per trait workflow, hence the slice.
type Enqueuer interface {
	Enqueue(ctx context.Context, request *models.EnqueueRequest) ([]models.ExecutionID, error)
}

// Transitioner finalizes entity state transitions. Implemented by the state
// machine.
type Transitioner interface {
	CompleteTransition(ctx context.Context, ref models.EntityRef) error
	FailTransition(ctx context.Context, ref models.EntityRef, reason string) error
	SetReady(ctx context.Context, ref models.EntityRef) error
	FinalizeDelete(ctx context.Context, ref models.EntityRef) error
}

// ContentStore is the slice of persistence activities may touch.
type ContentStore interface {
	EntityCursor(ctx context.Context, ref models.EntityRef) (*models.EntityCursor, error)
	TraitByID(ctx context.Context, id string) (*models.Trait, error)
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
}

// SignedURLClient resolves signed URLs for entity content so activities can
// stream files without blob-store credentials. An empty key addresses the
// entity's primary content.
type SignedURLClient interface {
	DownloadURL(ctx context.Context, metadataID string, key string) (string, error)
	UploadURL(ctx context.Context, metadataID string, key string, contentType string) (string, error)
}
