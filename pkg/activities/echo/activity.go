// Package echo implements context.echo, the no-op activity that copies its
// declared context inputs into outputs. Useful as a synchronization point
// between execution groups and as a test primitive.
package echo

import (
	"context"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const ActivityID = "context.echo"

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
		Name:        "Echo",
		Description: "Copies declared context inputs into the job outputs",
	}
}

func (*Activity) ConfigSchema() map[string]any {
	return nil
}

func (*Activity) Execute(_ context.Context, activityCtx *protocol.ActivityContext) (map[string]any, error) {
	outputs := map[string]any{}

	for _, input := range activityCtx.Job.Inputs {
		if input.Type != models.ParameterTypeContext {
			continue
		}

		value, ok := activityCtx.Job.Context[input.Value]
		if !ok {
			continue
		}

		outputs[input.Name] = value
	}

	for key, value := range activityCtx.Configuration {
		outputs[key] = value
	}

	return outputs, nil
}
