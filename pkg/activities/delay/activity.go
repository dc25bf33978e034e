// Package delay implements the delay activity: it parks its job until a
// configured instant without occupying a worker slot.
package delay

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const ActivityID = "delay"

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
		Name:        "Delay",
		Description: "Holds the workflow until a configured instant",
	}
}

func (*Activity) ConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"until":   map[string]any{"type": "string", "format": "date-time"},
			"seconds": map[string]any{"type": "number", "minimum": 0},
		},
	}
}

func (*Activity) Execute(_ context.Context, activityCtx *protocol.ActivityContext) (map[string]any, error) {
	target, err := targetInstant(activityCtx)
	if err != nil {
		return nil, err
	}

	if !time.Now().Before(target) {
		return nil, nil
	}

	return nil, protocol.RescheduleAt(target)
}

// targetInstant resolves the wakeup time. Relative delays are anchored to
// the job's enqueue time so a rescheduled job does not push its own target
// forward on every wakeup.
func targetInstant(activityCtx *protocol.ActivityContext) (time.Time, error) {
	if until := activityCtx.ConfigString("until"); until != "" {
		target, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse delay instant: %w", err)
		}

		return target, nil
	}

	if seconds, ok := activityCtx.Configuration["seconds"].(float64); ok {
		return activityCtx.Enqueued.Add(time.Duration(seconds * float64(time.Second))), nil
	}

	return time.Time{}, fmt.Errorf("delay requires an until instant or a seconds duration")
}
