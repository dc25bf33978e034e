// Package spawn implements child.spawn, which launches a configured child
// workflow and suspends its job until the child terminates.
package spawn

import (
	"context"
	"errors"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const ActivityID = "child.spawn"

var ErrNoChildWorkflow = errors.New("child.spawn requires a workflow_id in its configuration")

type Activity struct{}

func NewActivity() *Activity {
	return &Activity{}
}

func (*Activity) ID() string {
	return ActivityID
}

func (*Activity) Definition() *models.Activity {
	return &models.Activity{
		ID:          ActivityID,
		Name:        "Spawn Child Workflow",
		Description: "Enqueues a child workflow and waits for it to terminate",
	}
}

func (*Activity) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"workflow_id"},
		"properties": map[string]any{
			"workflow_id": map[string]any{"type": "string", "minLength": 1},
		},
	}
}

func (a *Activity) Execute(ctx context.Context, activityCtx *protocol.ActivityContext) (map[string]any, error) {
	workflowID := activityCtx.ConfigString("workflow_id")
	if workflowID == "" {
		return nil, ErrNoChildWorkflow
	}

	// Spawning is keyed by (job, workflow) so a retried attempt does not
	// launch a second child.
	request := &models.EnqueueRequest{
		WorkflowID:      workflowID,
		MetadataID:      activityCtx.Job.MetadataID,
		MetadataVersion: activityCtx.Job.MetadataVersion,
		CollectionID:    activityCtx.Job.CollectionID,
		Context:         activityCtx.Job.Context,
		IdempotencyKey:  "spawn:" + activityCtx.Job.ID.String() + ":" + workflowID,
	}

	ids, err := activityCtx.SpawnChildren(ctx, request)
	if err != nil {
		return nil, err
	}

	activityCtx.Logger.InfoContext(ctx, "Spawned child workflow", "workflow_id", workflowID, "plans", len(ids))

	return nil, nil
}
