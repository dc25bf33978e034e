// Package transition implements transition.complete and transition.fail,
// the activities entry workflows end with to finalize an entity's pending
// state transition.
package transition

import (
	"context"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const (
	CompleteActivityID = "transition.complete"
	FailActivityID     = "transition.fail"
)

type CompleteActivity struct{}

func NewCompleteActivity() *CompleteActivity {
	return &CompleteActivity{}
}

func (*CompleteActivity) ID() string {
	return CompleteActivityID
}

func (*CompleteActivity) Definition() *models.Activity {
	return &models.Activity{
		ID:          CompleteActivityID,
		Name:        "Complete Transition",
		Description: "Commits the entity's pending state transition",
	}
}

func (*CompleteActivity) ConfigSchema() map[string]any {
	return nil
}

func (*CompleteActivity) Execute(ctx context.Context, activityCtx *protocol.ActivityContext) (map[string]any, error) {
	ref, ok := activityCtx.EntityRef()
	if !ok {
		return nil, fmt.Errorf("%s requires a metadata or collection reference", CompleteActivityID)
	}

	err := activityCtx.Transitioner.CompleteTransition(ctx, ref)
	if err != nil {
		return nil, err
	}

	return nil, nil
}

type FailActivity struct{}

func NewFailActivity() *FailActivity {
	return &FailActivity{}
}

func (*FailActivity) ID() string {
	return FailActivityID
}

func (*FailActivity) Definition() *models.Activity {
	return &models.Activity{
		ID:          FailActivityID,
		Name:        "Fail Transition",
		Description: "Abandons the entity's pending state transition",
	}
}

func (*FailActivity) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{"type": "string"},
		},
	}
}

func (*FailActivity) Execute(ctx context.Context, activityCtx *protocol.ActivityContext) (map[string]any, error) {
	ref, ok := activityCtx.EntityRef()
	if !ok {
		return nil, fmt.Errorf("%s requires a metadata or collection reference", FailActivityID)
	}

	reason := activityCtx.ConfigString("reason")
	if reason == "" {
		reason = "workflow failed"
	}

	err := activityCtx.Transitioner.FailTransition(ctx, ref, reason)
	if err != nil {
		return nil, err
	}

	return nil, nil
}
