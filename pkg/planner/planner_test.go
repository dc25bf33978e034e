package planner

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conduit/pkg/models"
)

type fakeCatalog struct {
	definitions map[string]*models.Activity
	configErr   error
}

func (c *fakeCatalog) Definition(activityID string) (*models.Activity, error) {
	definition, ok := c.definitions[activityID]
	if !ok {
		return nil, fmt.Errorf("unknown activity %s", activityID)
	}

	return definition, nil
}

func (c *fakeCatalog) ValidateConfig(string, map[string]any) error {
	return c.configErr
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{definitions: map[string]*models.Activity{
		"context.echo": {ID: "context.echo", Configuration: map[string]any{"verbose": false, "source": "default"}},
		"delay":        {ID: "delay"},
	}}
}

func testPlanner(t *testing.T, catalog ActivityCatalog) *Planner {
	t.Helper()

	return NewPlanner(slog.New(slog.DiscardHandler), catalog, 3)
}

func testWorkflow(activities ...models.WorkflowActivity) *models.Workflow {
	return &models.Workflow{
		ID:         "wf.test",
		Name:       "Test",
		Queue:      "home",
		Activities: activities,
	}
}

func TestPlanCompilesJobs(t *testing.T) {
	p := testPlanner(t, testCatalog())

	workflow := testWorkflow(
		models.WorkflowActivity{ActivityID: "context.echo", Queue: "cpu", ExecutionGroup: 0},
		models.WorkflowActivity{ActivityID: "delay", Queue: "cpu", ExecutionGroup: 1},
	)

	plan, err := p.Plan(workflow, &models.EnqueueRequest{WorkflowID: "wf.test"})
	require.NoError(t, err)

	assert.Equal(t, models.KindPlan, plan.Kind)
	assert.Equal(t, "wf.test", plan.WorkflowID)
	assert.Equal(t, "home", plan.Queue)
	assert.Equal(t, int32(3), plan.MaxAttempts)
	require.Len(t, plan.Jobs, 2)

	assert.Equal(t, []int32{0}, plan.Current)
	assert.Equal(t, []int32{1}, plan.Pending)

	// Job ids point back at the plan's home queue regardless of where the
	// job itself runs.
	assert.Equal(t, "home", plan.Jobs[0].ID.Queue)
	assert.Equal(t, int32(0), plan.Jobs[0].ID.Index)
	assert.Equal(t, "cpu", plan.Jobs[0].WorkflowActivity.Queue)
}

func TestPlanOrdersByExecutionGroup(t *testing.T) {
	p := testPlanner(t, testCatalog())

	workflow := testWorkflow(
		models.WorkflowActivity{ActivityID: "delay", Queue: "q", ExecutionGroup: 2},
		models.WorkflowActivity{ActivityID: "context.echo", Queue: "q", ExecutionGroup: 0},
		models.WorkflowActivity{ActivityID: "context.echo", Queue: "q", ExecutionGroup: 2},
	)

	plan, err := p.Plan(workflow, &models.EnqueueRequest{WorkflowID: "wf.test"})
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 3)

	assert.Equal(t, "context.echo", plan.Jobs[0].Activity.ID)
	assert.Equal(t, int32(2), plan.Jobs[1].WorkflowActivity.ExecutionGroup)
	assert.Equal(t, int32(2), plan.Jobs[2].WorkflowActivity.ExecutionGroup)

	// Definition order is preserved inside a group.
	assert.Equal(t, "delay", plan.Jobs[1].Activity.ID)
	assert.Equal(t, "context.echo", plan.Jobs[2].Activity.ID)
}

func TestPlanDefaultsActivityQueue(t *testing.T) {
	p := testPlanner(t, testCatalog())

	workflow := testWorkflow(models.WorkflowActivity{ActivityID: "context.echo", ExecutionGroup: 0})

	plan, err := p.Plan(workflow, &models.EnqueueRequest{WorkflowID: "wf.test"})
	require.NoError(t, err)
	assert.Equal(t, "home", plan.Jobs[0].WorkflowActivity.Queue)
}

func TestPlanConfigurationPrecedence(t *testing.T) {
	p := testPlanner(t, testCatalog())

	workflow := testWorkflow(models.WorkflowActivity{
		ActivityID:     "context.echo",
		Queue:          "q",
		ExecutionGroup: 0,
		Configuration:  map[string]any{"verbose": true, "prefix": "wf"},
	})

	request := &models.EnqueueRequest{
		WorkflowID: "wf.test",
		Configurations: []models.ActivityConfigurationOverride{
			{ActivityID: "context.echo", Configuration: map[string]any{"prefix": "req"}},
		},
	}

	plan, err := p.Plan(workflow, request)
	require.NoError(t, err)

	merged := plan.Jobs[0].WorkflowActivity.Configuration
	assert.Equal(t, "req", merged["prefix"], "request override wins")
	assert.Equal(t, true, merged["verbose"], "workflow binding wins over activity default")
	assert.Equal(t, "default", merged["source"], "activity default survives")
}

func TestPlanCarriesRequestFields(t *testing.T) {
	p := testPlanner(t, testCatalog())

	workflow := testWorkflow(models.WorkflowActivity{ActivityID: "context.echo", Queue: "q", ExecutionGroup: 0})

	metadataID := "md-1"
	version := int32(2)
	parent := models.JobID{Queue: "other", Index: 1}

	plan, err := p.Plan(workflow, &models.EnqueueRequest{
		WorkflowID:      "wf.test",
		MetadataID:      &metadataID,
		MetadataVersion: &version,
		TraitID:         "trait.a",
		Context:         map[string]any{"key": "value"},
		Parent:          &parent,
		IdempotencyKey:  "once",
	})
	require.NoError(t, err)

	assert.Equal(t, &metadataID, plan.MetadataID)
	assert.Equal(t, &parent, plan.Parent)
	require.NotNil(t, plan.IdempotencyKey)
	assert.Equal(t, "once", *plan.IdempotencyKey)

	job := plan.Jobs[0]
	assert.Equal(t, &metadataID, job.MetadataID)
	assert.Equal(t, &version, job.MetadataVersion)
	require.NotNil(t, job.TraitID)
	assert.Equal(t, "trait.a", *job.TraitID)
	assert.Equal(t, "value", job.Context["key"])
	assert.Equal(t, &parent, job.ParentPlan)
}

func TestPlanCompilesEmptyWorkflow(t *testing.T) {
	p := testPlanner(t, testCatalog())

	// A zero-job plan is legal: it settles on first claim and serves as a
	// synchronization primitive for callers waiting on completion.
	plan, err := p.Plan(testWorkflow(), &models.EnqueueRequest{WorkflowID: "wf.test"})
	require.NoError(t, err)

	assert.Empty(t, plan.Jobs)
	assert.Empty(t, plan.Current)
	assert.Equal(t, models.PlanStateComplete, plan.State())
}

func TestPlanRejectsUnknownActivity(t *testing.T) {
	p := testPlanner(t, testCatalog())

	workflow := testWorkflow(models.WorkflowActivity{ActivityID: "nope", Queue: "q", ExecutionGroup: 0})

	_, err := p.Plan(workflow, &models.EnqueueRequest{WorkflowID: "wf.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown activity")
}

func TestPlanRejectsInvalidConfiguration(t *testing.T) {
	catalog := testCatalog()
	catalog.configErr = fmt.Errorf("missing required field")
	p := testPlanner(t, catalog)

	workflow := testWorkflow(models.WorkflowActivity{ActivityID: "context.echo", Queue: "q", ExecutionGroup: 0})

	_, err := p.Plan(workflow, &models.EnqueueRequest{WorkflowID: "wf.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required field")
}

func TestPlanRejectsInvalidWorkflow(t *testing.T) {
	p := testPlanner(t, testCatalog())

	workflow := testWorkflow(models.WorkflowActivity{ActivityID: "context.echo", Queue: "q", ExecutionGroup: 0})
	workflow.Queue = ""

	_, err := p.Plan(workflow, &models.EnqueueRequest{WorkflowID: "wf.test"})
	require.Error(t, err)
}
