// Package finalize implements the terminal activities of delete workflows:
// metadata.delete.finalize and collection.delete.finalize remove the entity
// cursor permanently once cleanup has run.
package finalize

import (
	"context"
	"fmt"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/protocol"
)

const (
	MetadataActivityID   = "metadata.delete.finalize"
	CollectionActivityID = "collection.delete.finalize"
)

// Activity finalizes deletion for one entity kind.
type Activity struct {
	kind models.EntityKind
}

func NewMetadataActivity() *Activity {
	return &Activity{kind: models.EntityMetadata}
}

func NewCollectionActivity() *Activity {
	return &Activity{kind: models.EntityCollection}
}

func (a *Activity) ID() string {
	if a.kind == models.EntityMetadata {
		return MetadataActivityID
	}

	return CollectionActivityID
}

func (a *Activity) Definition() *models.Activity {
	return &models.Activity{
		ID:          a.ID(),
		Name:        "Finalize Delete",
		Description: "Permanently removes a soft-deleted entity",
	}
}

func (*Activity) ConfigSchema() map[string]any {
	return nil
}

func (a *Activity) Execute(ctx context.Context, activityCtx *protocol.ActivityContext) (map[string]any, error) {
	ref, err := a.ref(activityCtx.Job)
	if err != nil {
		return nil, err
	}

	err = activityCtx.Transitioner.FinalizeDelete(ctx, ref)
	if err != nil {
		return nil, err
	}

	activityCtx.Logger.InfoContext(ctx, "Finalized delete", "kind", ref.Kind, "entity_id", ref.ID)

	return nil, nil
}

func (a *Activity) ref(job *models.Job) (models.EntityRef, error) {
	switch a.kind {
	case models.EntityMetadata:
		if job.MetadataID == nil {
			return models.EntityRef{}, fmt.Errorf("%s requires a metadata reference", MetadataActivityID)
		}

		version := int32(0)
		if job.MetadataVersion != nil {
			version = *job.MetadataVersion
		}

		return models.EntityRef{Kind: models.EntityMetadata, ID: *job.MetadataID, Version: version}, nil
	default:
		if job.CollectionID == nil {
			return models.EntityRef{}, fmt.Errorf("%s requires a collection reference", CollectionActivityID)
		}

		return models.EntityRef{Kind: models.EntityCollection, ID: *job.CollectionID}, nil
	}
}
