package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

// errInputMissing marks a materialization failure no retry can fix: a
// required input has no value the job can ever provide.
var errInputMissing = errors.New("required input missing")

// materializeInputs resolves the activity's declared inputs before the
// handler runs: context inputs are checked for presence, metadata and
// collection inputs load entity snapshots, file inputs resolve signed
// download URLs. Store and URL failures are retriable; a missing required
// value is not.
func (w *Worker) materializeInputs(ctx context.Context, activityCtx *protocol.ActivityContext) error {
	job := activityCtx.Job

	for _, input := range job.Activity.Inputs {
		switch input.Type {
		case models.ParameterTypeContext:
			if _, ok := job.Context[input.Name]; !ok && input.Required {
				return fmt.Errorf("%w: context value %q", errInputMissing, input.Name)
			}

		case models.ParameterTypeMetadata:
			if job.MetadataID == nil {
				if input.Required {
					return fmt.Errorf("%w: metadata input %q on a job without a metadata reference", errInputMissing, input.Name)
				}

				continue
			}

			version := int32(0)
			if job.MetadataVersion != nil {
				version = *job.MetadataVersion
			}

			ref := models.EntityRef{Kind: models.EntityMetadata, ID: *job.MetadataID, Version: version}

			cursor, err := activityCtx.Store.EntityCursor(ctx, ref)
			if err != nil {
				return fmt.Errorf("failed to load metadata snapshot for input %q: %w", input.Name, err)
			}

			setSnapshot(activityCtx, input.Name, cursor)

		case models.ParameterTypeCollection:
			if job.CollectionID == nil {
				if input.Required {
					return fmt.Errorf("%w: collection input %q on a job without a collection reference", errInputMissing, input.Name)
				}

				continue
			}

			ref := models.EntityRef{Kind: models.EntityCollection, ID: *job.CollectionID}

			cursor, err := activityCtx.Store.EntityCursor(ctx, ref)
			if err != nil {
				return fmt.Errorf("failed to load collection snapshot for input %q: %w", input.Name, err)
			}

			setSnapshot(activityCtx, input.Name, cursor)

		case models.ParameterTypeSupplementary, models.ParameterTypeContentFile:
			err := w.materializeFile(ctx, activityCtx, input)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// materializeFile resolves a signed download URL for a supplementary or
// content file input. Supplementary inputs take their key from the workflow
// binding; content file inputs address the entity's primary content.
func (w *Worker) materializeFile(ctx context.Context, activityCtx *protocol.ActivityContext, input models.ActivityParameter) error {
	job := activityCtx.Job

	if job.MetadataID == nil {
		if input.Required {
			return fmt.Errorf("%w: file input %q on a job without a metadata reference", errInputMissing, input.Name)
		}

		return nil
	}

	if activityCtx.Files == nil {
		if input.Required {
			return fmt.Errorf("%w: file input %q with no signed URL client configured", errInputMissing, input.Name)
		}

		return nil
	}

	key := ""

	if input.Type == models.ParameterTypeSupplementary {
		bound, ok := activityCtx.Input(input.Name)
		if !ok || bound.Value == "" {
			if input.Required {
				return fmt.Errorf("%w: supplementary input %q has no key bound", errInputMissing, input.Name)
			}

			return nil
		}

		key = bound.Value
	}

	url, err := activityCtx.Files.DownloadURL(ctx, *job.MetadataID, key)
	if err != nil {
		return fmt.Errorf("failed to resolve download URL for input %q: %w", input.Name, err)
	}

	if activityCtx.Downloads == nil {
		activityCtx.Downloads = make(map[string]string)
	}

	activityCtx.Downloads[input.Name] = url

	return nil
}

func setSnapshot(activityCtx *protocol.ActivityContext, name string, cursor *models.EntityCursor) {
	if activityCtx.Snapshots == nil {
		activityCtx.Snapshots = make(map[string]*models.EntityCursor)
	}

	activityCtx.Snapshots[name] = cursor
}
