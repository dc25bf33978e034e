// Package planner compiles workflow definitions and enqueue requests into
// execution plans.
package planner

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukex/conduit/pkg/models"
)

// ActivityCatalog resolves activity definitions and validates their
// configurations. Satisfied by the registry.
type ActivityCatalog interface {
	Definition(activityID string) (*models.Activity, error)
	ValidateConfig(activityID string, config map[string]any) error
}

type Planner struct {
	catalog  ActivityCatalog
	logger   *slog.Logger
	validate *validator.Validate

	maxAttempts int32
}

func NewPlanner(logger *slog.Logger, catalog ActivityCatalog, maxAttempts int32) *Planner {
	return &Planner{
		catalog:     catalog,
		logger:      logger.With("module", "planner"),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		maxAttempts: maxAttempts,
	}
}

// Plan compiles a workflow plus one enqueue request into a plan ready for
// first persistence. The plan id stays zero until the queue assigns one.
//
// Configuration merges per activity with request overrides winning over the
// workflow binding, which wins over activity defaults.
func (p *Planner) Plan(workflow *models.Workflow, request *models.EnqueueRequest) (*models.Plan, error) {
	err := p.validate.Struct(workflow)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", workflow.ID, err)
	}

	overrides := make(map[string]map[string]any, len(request.Configurations))
	for _, override := range request.Configurations {
		overrides[override.ActivityID] = override.Configuration
	}

	// Stable order: execution group first, then definition order within the
	// group. Job indexes are assigned after sorting, so index order agrees
	// with dispatch order.
	ordered := make([]models.WorkflowActivity, len(workflow.Activities))
	copy(ordered, workflow.Activities)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].ExecutionGroup < ordered[b].ExecutionGroup
	})

	plan := &models.Plan{
		Kind:       models.KindPlan,
		WorkflowID: workflow.ID,
		Queue:      workflow.Queue,

		Context: request.Context,
		Parent:  request.Parent,

		MetadataID:      request.MetadataID,
		MetadataVersion: request.MetadataVersion,
		CollectionID:    request.CollectionID,
		ProfileID:       request.ProfileID,
		SupplementaryID: request.SupplementaryID,

		Enqueued:    time.Now().UTC(),
		DelayUntil:  request.DelayUntil,
		MaxAttempts: p.maxAttempts,
	}

	if request.IdempotencyKey != "" {
		key := request.IdempotencyKey
		plan.IdempotencyKey = &key
	}

	for index, workflowActivity := range ordered {
		job, err := p.compileJob(workflow, request, workflowActivity, int32(index), overrides)
		if err != nil {
			return nil, err
		}

		plan.Jobs = append(plan.Jobs, job)
	}

	plan.Initialize()

	return plan, nil
}

func (p *Planner) compileJob(
	workflow *models.Workflow,
	request *models.EnqueueRequest,
	workflowActivity models.WorkflowActivity,
	index int32,
	overrides map[string]map[string]any,
) (*models.Job, error) {
	definition, err := p.catalog.Definition(workflowActivity.ActivityID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", workflow.ID, err)
	}

	merged := mergeConfiguration(definition.Configuration, workflowActivity.Configuration, overrides[workflowActivity.ActivityID])

	err = p.catalog.ValidateConfig(workflowActivity.ActivityID, merged)
	if err != nil {
		return nil, fmt.Errorf("workflow %s activity %s: %w", workflow.ID, workflowActivity.ActivityID, err)
	}

	if workflowActivity.Queue == "" {
		workflowActivity.Queue = workflow.Queue
	}

	workflowActivity.Configuration = merged
	if len(request.StorageSystemIDs) > 0 {
		workflowActivity.StorageSystemIDs = append(workflowActivity.StorageSystemIDs, request.StorageSystemIDs...)
	}

	job := &models.Job{
		Kind: models.KindJob,
		// The id's queue is the plan's home queue, not the dispatch queue:
		// completion handling re-reads the plan message through it.
		ID: models.JobID{
			Queue: workflow.Queue,
			Index: index,
		},
		WorkflowID:       workflow.ID,
		Activity:         *definition,
		WorkflowActivity: workflowActivity,
		Inputs:           workflowActivity.Inputs,
		Outputs:          workflowActivity.Outputs,
		Context:          request.Context,

		MetadataID:       request.MetadataID,
		MetadataVersion:  request.MetadataVersion,
		CollectionID:     request.CollectionID,
		ProfileID:        request.ProfileID,
		SupplementaryID:  request.SupplementaryID,
		StorageSystemIDs: workflowActivity.StorageSystemIDs,
		ParentPlan:       request.Parent,
	}

	if request.TraitID != "" {
		traitID := request.TraitID
		job.TraitID = &traitID
	}

	return job, nil
}

// mergeConfiguration layers configuration maps, later layers winning.
func mergeConfiguration(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)

	for _, layer := range layers {
		for key, value := range layer {
			merged[key] = value
		}
	}

	return merged
}
