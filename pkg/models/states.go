package models

import "time"

// WorkflowStateType categorizes lifecycle states for content entities.
type WorkflowStateType string

const (
	StateTypeInitial    WorkflowStateType = "initial"
	StateTypeProcessing WorkflowStateType = "processing"
	StateTypeDraft      WorkflowStateType = "draft"
	StateTypePending    WorkflowStateType = "pending"
	StateTypeApproval   WorkflowStateType = "approval"
	StateTypeApproved   WorkflowStateType = "approved"
	StateTypePublished  WorkflowStateType = "published"
	StateTypeFailed     WorkflowStateType = "failure"
)

// WorkflowState is one lifecycle state an entity can occupy. Entry and exit
// workflows run when the state is entered or left; WorkflowID is the
// on-ready pipeline for the state.
type WorkflowState struct {
	ID            string            `json:"id"   validate:"required"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Type          WorkflowStateType `json:"type" validate:"required"`
	Configuration map[string]any    `json:"configuration,omitempty"`

	WorkflowID      *string `json:"workflow_id,omitempty"`
	EntryWorkflowID *string `json:"entry_workflow_id,omitempty"`
	ExitWorkflowID  *string `json:"exit_workflow_id,omitempty"`
}

// WorkflowStateTransition declares a legal move between two states. Only
// declared transitions may be begun.
type WorkflowStateTransition struct {
	FromStateID string `json:"from_state_id" validate:"required"`
	ToStateID   string `json:"to_state_id"   validate:"required"`
	Description string `json:"description"`
}

// EntityKind discriminates the content entities the core drives through the
// state machine.
type EntityKind string

const (
	EntityMetadata   EntityKind = "metadata"
	EntityCollection EntityKind = "collection"
)

// EntityRef points at one content entity (and, for metadata, a version).
type EntityRef struct {
	Kind    EntityKind `json:"kind"    validate:"required,oneof=metadata collection"`
	ID      string     `json:"id"      validate:"required"`
	Version int32      `json:"version,omitempty"`
}

// EntityCursor is the slice of a content entity the workflow core reads and
// writes: its state, pending state, readiness and delete bookkeeping. The
// content datastore owns the rest of the entity.
type EntityCursor struct {
	Kind    EntityKind `json:"kind"`
	ID      string     `json:"id"`
	Version int32      `json:"version"`

	ActiveVersion int32 `json:"active_version"`

	WorkflowStateID        string     `json:"workflow_state_id"`
	WorkflowStatePendingID *string    `json:"workflow_state_pending_id,omitempty"`
	WorkflowStateValid     *time.Time `json:"workflow_state_valid,omitempty"`

	DeleteWorkflowID *string    `json:"delete_workflow_id,omitempty"`
	Ready            *time.Time `json:"ready,omitempty"`
	Deleted          bool       `json:"deleted"`

	TraitIDs []string `json:"trait_ids,omitempty"`
}

func (c *EntityCursor) Ref() EntityRef {
	return EntityRef{Kind: c.Kind, ID: c.ID, Version: c.Version}
}
