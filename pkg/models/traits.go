package models

// Trait tags content with a set of workflows that should run against it.
// The trait processor expands each workflow into a child enqueue exactly
// once per plan, tracked through the plan context.
type Trait struct {
	ID               string   `json:"id"           validate:"required"`
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	WorkflowIDs      []string `json:"workflow_ids"`
	DeleteWorkflowID *string  `json:"delete_workflow_id,omitempty"`
	ContentTypes     []string `json:"content_types,omitempty"`
}
