package models

import "time"

// EnqueueRequest asks the front door to run one or more workflows against a
// content entity. Exactly one of WorkflowID, Workflow or TraitID selects
// what runs.
type EnqueueRequest struct {
	WorkflowID string    `json:"workflow_id,omitempty"`
	Workflow   *Workflow `json:"workflow,omitempty"`
	TraitID    string    `json:"trait_id,omitempty"`

	MetadataID      *string `json:"metadata_id,omitempty"`
	MetadataVersion *int32  `json:"metadata_version,omitempty"`
	CollectionID    *string `json:"collection_id,omitempty"`
	ProfileID       *string `json:"profile_id,omitempty"`
	CommentID       *int64  `json:"comment_id,omitempty"`
	SupplementaryID *string `json:"supplementary_id,omitempty"`

	StorageSystemIDs []string `json:"storage_system_ids,omitempty"`

	Configurations []ActivityConfigurationOverride `json:"configurations,omitempty"`
	Context        map[string]any                  `json:"context,omitempty"`

	DelayUntil        *time.Time `json:"delay_until,omitempty"`
	WaitForCompletion bool       `json:"wait_for_completion,omitempty"`

	// Parent is set when the request enqueues a child workflow on behalf of
	// a running job.
	Parent *JobID `json:"parent,omitempty"`

	// IdempotencyKey deduplicates repeated enqueues of the same logical
	// request. Required for scheduled firings.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
