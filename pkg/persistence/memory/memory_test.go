package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

func TestWorkflowRoundTrip(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()

	require.NoError(t, p.SaveWorkflow(ctx, &models.Workflow{ID: "wf.one", Queue: "plans"}))

	stored, err := p.WorkflowByID(ctx, "wf.one")
	require.NoError(t, err)
	assert.Equal(t, "plans", stored.Queue)

	_, err = p.WorkflowByID(ctx, "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))

	require.NoError(t, p.DeleteWorkflow(ctx, "wf.one"))
	assert.True(t, persistence.IsWorkflowNotFound(p.DeleteWorkflow(ctx, "wf.one")))
}

func TestTransitionLookup(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()

	require.NoError(t, p.SaveWorkflowTransition(ctx, &models.WorkflowStateTransition{
		FromStateID: "draft",
		ToStateID:   "published",
	}))

	_, err := p.WorkflowTransition(ctx, "draft", "published")
	assert.NoError(t, err)

	// Declared one way only.
	_, err = p.WorkflowTransition(ctx, "published", "draft")
	assert.True(t, persistence.IsTransitionNotFound(err))
}

func TestDueSchedules(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, p.SaveSchedule(ctx, &models.WorkflowSchedule{
		ID: "due", WorkflowID: "wf.a", Cron: "0 * * * *", Enabled: true, NextRun: &past,
	}))
	require.NoError(t, p.SaveSchedule(ctx, &models.WorkflowSchedule{
		ID: "future", WorkflowID: "wf.b", Cron: "0 * * * *", Enabled: true, NextRun: &future,
	}))
	require.NoError(t, p.SaveSchedule(ctx, &models.WorkflowSchedule{
		ID: "disabled", WorkflowID: "wf.c", Cron: "0 * * * *", Enabled: false, NextRun: &past,
	}))

	due, err := p.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestClaimScheduleRun(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()

	expected := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	next := expected.Add(time.Hour)

	require.NoError(t, p.SaveSchedule(ctx, &models.WorkflowSchedule{
		ID: "sched-1", WorkflowID: "wf.a", Cron: "0 * * * *", Enabled: true, NextRun: &expected,
	}))

	advanced := &models.WorkflowSchedule{
		ID: "sched-1", WorkflowID: "wf.a", Cron: "0 * * * *", Enabled: true,
		LastRun: &expected, NextRun: &next,
	}

	claimed, err := p.ClaimScheduleRun(ctx, advanced, expected)
	require.NoError(t, err)
	assert.True(t, claimed)

	stored, err := p.ScheduleByID(ctx, "sched-1")
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.True(t, stored.NextRun.Equal(next))

	// A second claim against the stale expectation loses.
	claimed, err = p.ClaimScheduleRun(ctx, advanced, expected)
	require.NoError(t, err)
	assert.False(t, claimed)

	_, err = p.ClaimScheduleRun(ctx, &models.WorkflowSchedule{ID: "missing"}, expected)
	assert.ErrorIs(t, err, persistence.ErrScheduleNotFound)
}

func TestEntityCursorCopies(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()
	ref := models.EntityRef{Kind: models.EntityMetadata, ID: "md-1", Version: 1}

	require.NoError(t, p.SaveEntityCursor(ctx, &models.EntityCursor{
		Kind: models.EntityMetadata, ID: "md-1", Version: 1, WorkflowStateID: "draft",
	}))

	first, err := p.EntityCursor(ctx, ref)
	require.NoError(t, err)

	// Mutating the returned cursor must not leak into the store.
	first.WorkflowStateID = "mangled"

	second, err := p.EntityCursor(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "draft", second.WorkflowStateID)
}

func TestSetEntityStateClearsPending(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()
	ref := models.EntityRef{Kind: models.EntityMetadata, ID: "md-1", Version: 1}

	require.NoError(t, p.SaveEntityCursor(ctx, &models.EntityCursor{
		Kind: models.EntityMetadata, ID: "md-1", Version: 1, WorkflowStateID: "draft",
	}))

	valid := time.Now().UTC().Add(time.Hour)
	require.NoError(t, p.SetEntityStatePending(ctx, ref, "published", &valid))

	cursor, err := p.EntityCursor(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, cursor.WorkflowStatePendingID)
	assert.Equal(t, "published", *cursor.WorkflowStatePendingID)

	require.NoError(t, p.SetEntityState(ctx, ref, "published"))

	cursor, err = p.EntityCursor(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "published", cursor.WorkflowStateID)
	assert.Nil(t, cursor.WorkflowStatePendingID)
	assert.Nil(t, cursor.WorkflowStateValid)
}

func TestSetEntityReadyStampsOnce(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()
	ref := models.EntityRef{Kind: models.EntityCollection, ID: "col-1"}

	require.NoError(t, p.SaveEntityCursor(ctx, &models.EntityCursor{
		Kind: models.EntityCollection, ID: "col-1", WorkflowStateID: "draft",
	}))

	require.NoError(t, p.SetEntityReady(ctx, ref))

	cursor, err := p.EntityCursor(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, cursor.Ready)
	stamp := *cursor.Ready

	require.NoError(t, p.SetEntityReady(ctx, ref))

	cursor, err = p.EntityCursor(ctx, ref)
	require.NoError(t, err)
	assert.True(t, stamp.Equal(*cursor.Ready))
}

func TestDeleteEntity(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()
	ref := models.EntityRef{Kind: models.EntityMetadata, ID: "md-1", Version: 1}

	require.NoError(t, p.SaveEntityCursor(ctx, &models.EntityCursor{
		Kind: models.EntityMetadata, ID: "md-1", Version: 1, WorkflowStateID: "draft",
	}))

	require.NoError(t, p.MarkEntityDeleted(ctx, ref))

	cursor, err := p.EntityCursor(ctx, ref)
	require.NoError(t, err)
	assert.True(t, cursor.Deleted)

	require.NoError(t, p.DeleteEntity(ctx, ref))

	_, err = p.EntityCursor(ctx, ref)
	assert.True(t, persistence.IsEntityNotFound(err))
	assert.True(t, persistence.IsEntityNotFound(p.DeleteEntity(ctx, ref)))
}

func TestIdempotencyKeys(t *testing.T) {
	p := NewPersistence()
	ctx := t.Context()

	id := models.ExecutionID{Queue: "plans", ID: 7}

	registered, err := p.RegisterIdempotencyKey(ctx, "ingest:md-1", id)
	require.NoError(t, err)
	assert.True(t, registered)

	registered, err = p.RegisterIdempotencyKey(ctx, "ingest:md-1", models.ExecutionID{Queue: "plans", ID: 8})
	require.NoError(t, err)
	assert.False(t, registered)

	stored, err := p.LookupIdempotencyKey(ctx, "ingest:md-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, id, *stored)

	missing, err := p.LookupIdempotencyKey(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
