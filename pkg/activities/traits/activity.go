// Package traits implements traits.process: it expands the traits attached
// to the job's entity into child workflow plans.
package traits

import (
	"context"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
)

const ActivityID = "traits.process"

// processedKey marks trait expansion in the plan context so a plan never
// expands twice, e.g. when the activity appears in more than one group.
const processedKey = "traits.processed"

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
		Name:        "Process Traits",
		Description: "Expands entity traits into child workflow executions",
	}
}

func (*Activity) ConfigSchema() map[string]any {
	return nil
}

func (*Activity) Execute(ctx context.Context, activityCtx *protocol.ActivityContext) (map[string]any, error) {
	if done, _ := activityCtx.Job.Context[processedKey].(bool); done {
		activityCtx.Logger.InfoContext(ctx, "Traits already processed for this plan")

		return nil, nil
	}

	ref, ok := activityCtx.EntityRef()
	if !ok {
		return nil, fmt.Errorf("%s requires a metadata or collection reference", ActivityID)
	}

	cursor, err := activityCtx.Store.EntityCursor(ctx, ref)
	if err != nil {
		return nil, err
	}

	spawned := 0

	for _, traitID := range cursor.TraitIDs {
		trait, err := activityCtx.Store.TraitByID(ctx, traitID)
		if err != nil {
			if persistence.IsTraitNotFound(err) {
				activityCtx.Logger.WarnContext(ctx, "Entity references unknown trait", "trait_id", traitID)

				continue
			}

			return nil, err
		}

		for _, workflowID := range trait.WorkflowIDs {
			request := &models.EnqueueRequest{
				WorkflowID:      workflowID,
				MetadataID:      activityCtx.Job.MetadataID,
				MetadataVersion: activityCtx.Job.MetadataVersion,
				CollectionID:    activityCtx.Job.CollectionID,
				IdempotencyKey: fmt.Sprintf("trait:%s:%s:%s",
					activityCtx.Job.ExecutionRef(), traitID, workflowID),
			}

			_, err := activityCtx.SpawnChildren(ctx, request)
			if err != nil {
				return nil, fmt.Errorf("failed to spawn trait workflow %s: %w", workflowID, err)
			}

			spawned++
		}
	}

	activityCtx.Logger.InfoContext(ctx, "Expanded traits",
		"traits", len(cursor.TraitIDs), "workflows", spawned)

	return map[string]any{processedKey: true}, nil
}
