// Package models defines the core domain models for workflow execution plans.
package models

// ActivityParameterType governs how the worker materializes a parameter
// before invoking the activity.
type ActivityParameterType string

const (
	ParameterTypeContext       ActivityParameterType = "context"
	ParameterTypeSupplementary ActivityParameterType = "supplementary"
	ParameterTypeContentFile   ActivityParameterType = "content_file"
	ParameterTypeMetadata      ActivityParameterType = "metadata"
	ParameterTypeCollection    ActivityParameterType = "collection"
)

// Activity is the immutable definition of a registered activity handler.
type Activity struct {
	ID              string              `json:"id"               validate:"required"`
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	ChildWorkflowID *string             `json:"child_workflow_id,omitempty"`
	Configuration   map[string]any      `json:"configuration,omitempty"`
	Inputs          []ActivityParameter `json:"inputs,omitempty"`
	Outputs         []ActivityParameter `json:"outputs,omitempty"`
}

// ActivityParameter declares a named input or output on an activity
// definition.
type ActivityParameter struct {
	Name     string                `json:"name" validate:"required"`
	Type     ActivityParameterType `json:"type" validate:"required"`
	Required bool                  `json:"required,omitempty"`
}

// WorkflowActivity binds an activity into a workflow at a position in the
// execution order.
type WorkflowActivity struct {
	ID               int64                       `json:"id"`
	WorkflowID       string                      `json:"workflow_id"`
	ActivityID       string                      `json:"activity_id"     validate:"required"`
	Queue            string                      `json:"queue"           validate:"required"`
	ExecutionGroup   int32                       `json:"execution_group" validate:"gte=0"`
	Configuration    map[string]any              `json:"configuration,omitempty"`
	Inputs           []WorkflowActivityParameter `json:"inputs,omitempty"`
	Outputs          []WorkflowActivityParameter `json:"outputs,omitempty"`
	StorageSystemIDs []string                    `json:"storage_system_ids,omitempty"`
}

// WorkflowActivityParameter assigns a concrete value to a declared activity
// parameter for one workflow activity.
type WorkflowActivityParameter struct {
	Name  string                `json:"name"  validate:"required"`
	Type  ActivityParameterType `json:"type"  validate:"required"`
	Value string                `json:"value"`
}

// Workflow is an ordered set of activities executed as a plan. Workflows are
// immutable once referenced by a live plan; edits produce a new logical
// version.
type Workflow struct {
	ID            string             `json:"id"    validate:"required"`
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Queue         string             `json:"queue" validate:"required"`
	Configuration map[string]any     `json:"configuration,omitempty"`
	Activities    []WorkflowActivity `json:"activities"`
}

// ActivityConfigurationOverride replaces the configuration of a single
// activity for one enqueue request.
type ActivityConfigurationOverride struct {
	ActivityID    string         `json:"activity_id" validate:"required"`
	Configuration map[string]any `json:"configuration"`
}
