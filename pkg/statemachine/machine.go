// Package statemachine drives content entities through their lifecycle
// states: begin/complete transitions, readiness and deletion.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conduit/pkg/activities/transition"
	"github.com/dukex/conduit/pkg/eventbus"
	"github.com/dukex/conduit/pkg/events"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
)

// TransitionQueue is the home queue of the inline workflows the machine
// enqueues for delayed transitions. Workers finalizing those transitions
// must poll it.
const TransitionQueue = "transitions"

var (
	// ErrTransitionNotAllowed is returned when no transition is declared
	// between the current and requested states.
	ErrTransitionNotAllowed = errors.New("transition not declared between states")

	// ErrTransitionInProgress is returned when the entity already has a
	// pending transition.
	ErrTransitionInProgress = errors.New("a transition is already in progress")

	// ErrEntityDeleted is returned for operations on deleted entities.
	ErrEntityDeleted = errors.New("entity is deleted")
)

// Machine is the entity lifecycle state machine. All state mutations flow
// through the persistence layer; every committed change publishes an entity
// change event so caches stay coherent.
type Machine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	enqueuer    protocol.Enqueuer
	publisher   eventbus.EventPublisher
}

func NewMachine(logger *slog.Logger, p persistence.Persistence, enqueuer protocol.Enqueuer, publisher eventbus.EventPublisher) *Machine {
	return &Machine{
		logger:      logger.With("module", "statemachine"),
		persistence: p,
		enqueuer:    enqueuer,
		publisher:   publisher,
	}
}

var _ protocol.Transitioner = (*Machine)(nil)

// BeginTransition starts moving an entity to a new state. The move must be
// declared as a legal transition. When the target state carries an entry
// workflow the transition stays pending until that workflow completes it;
// otherwise it completes immediately.
func (m *Machine) BeginTransition(ctx context.Context, ref models.EntityRef, toStateID string, attributes map[string]any, delayUntil *time.Time) error {
	cursor, err := m.persistence.EntityCursor(ctx, ref)
	if err != nil {
		return err
	}

	if cursor.Deleted {
		return ErrEntityDeleted
	}

	if cursor.WorkflowStatePendingID != nil {
		// Re-requesting the in-flight target is a no-op; the existing
		// entry workflow will complete it.
		if *cursor.WorkflowStatePendingID == toStateID {
			return nil
		}

		return fmt.Errorf("%w: pending %s", ErrTransitionInProgress, *cursor.WorkflowStatePendingID)
	}

	_, err = m.persistence.WorkflowTransition(ctx, cursor.WorkflowStateID, toStateID)
	if err != nil {
		if persistence.IsTransitionNotFound(err) {
			return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, cursor.WorkflowStateID, toStateID)
		}

		return err
	}

	target, err := m.persistence.WorkflowStateByID(ctx, toStateID)
	if err != nil {
		return err
	}

	err = m.persistence.SetEntityStatePending(ctx, ref, toStateID, delayUntil)
	if err != nil {
		return err
	}

	m.publishChanged(ctx, ref)

	if target.EntryWorkflowID == nil {
		if delayUntil == nil || !delayUntil.After(time.Now()) {
			return m.CompleteTransition(ctx, ref)
		}

		// No entry workflow, but the state becomes valid later. An inline
		// workflow rides the queue's delay and commits the transition when
		// it surfaces.
		request := &models.EnqueueRequest{
			Workflow:   delayedCompletionWorkflow(toStateID),
			Context:    attributes,
			DelayUntil: delayUntil,
		}
		applyEntity(request, ref)

		_, err = m.enqueuer.Enqueue(ctx, request)
		if err != nil {
			if clearErr := m.persistence.SetEntityState(ctx, ref, cursor.WorkflowStateID); clearErr != nil {
				m.logger.ErrorContext(ctx, "Failed to clear pending transition", "entity", ref.ID, "error", clearErr)
			}

			return fmt.Errorf("failed to schedule delayed transition: %w", err)
		}

		return nil
	}

	m.logger.InfoContext(ctx, "Starting entry workflow for transition",
		"entity", ref.ID, "to_state", toStateID, "workflow_id", *target.EntryWorkflowID)

	request := &models.EnqueueRequest{
		WorkflowID: *target.EntryWorkflowID,
		Context:    attributes,
		DelayUntil: delayUntil,
	}
	applyEntity(request, ref)

	_, err = m.enqueuer.Enqueue(ctx, request)
	if err != nil {
		// Roll the pending mark back so the entity is not wedged.
		if clearErr := m.persistence.SetEntityState(ctx, ref, cursor.WorkflowStateID); clearErr != nil {
			m.logger.ErrorContext(ctx, "Failed to clear pending transition", "entity", ref.ID, "error", clearErr)
		}

		return fmt.Errorf("failed to start entry workflow: %w", err)
	}

	return nil
}

// CompleteTransition commits the pending state. The old state's exit
// workflow, when declared, runs after the commit. Idempotent: an entity
// with no pending transition is left untouched.
func (m *Machine) CompleteTransition(ctx context.Context, ref models.EntityRef) error {
	cursor, err := m.persistence.EntityCursor(ctx, ref)
	if err != nil {
		return err
	}

	if cursor.WorkflowStatePendingID == nil {
		return nil
	}

	fromStateID := cursor.WorkflowStateID
	toStateID := *cursor.WorkflowStatePendingID

	err = m.persistence.SetEntityState(ctx, ref, toStateID)
	if err != nil {
		return err
	}

	from, err := m.persistence.WorkflowStateByID(ctx, fromStateID)
	if err == nil && from.ExitWorkflowID != nil {
		request := &models.EnqueueRequest{WorkflowID: *from.ExitWorkflowID}
		applyEntity(request, ref)

		if _, enqueueErr := m.enqueuer.Enqueue(ctx, request); enqueueErr != nil {
			m.logger.ErrorContext(ctx, "Failed to start exit workflow",
				"entity", ref.ID, "workflow_id", *from.ExitWorkflowID, "error", enqueueErr)
		}
	}

	m.publishChanged(ctx, ref)
	m.publishTransitionCompleted(ctx, ref, fromStateID, toStateID)

	return nil
}

// FailTransition abandons the pending state, keeping the entity in its
// current committed state.
func (m *Machine) FailTransition(ctx context.Context, ref models.EntityRef, reason string) error {
	cursor, err := m.persistence.EntityCursor(ctx, ref)
	if err != nil {
		return err
	}

	if cursor.WorkflowStatePendingID == nil {
		return nil
	}

	m.logger.WarnContext(ctx, "Transition failed",
		"entity", ref.ID, "pending_state", *cursor.WorkflowStatePendingID, "reason", reason)

	err = m.persistence.SetEntityState(ctx, ref, cursor.WorkflowStateID)
	if err != nil {
		return err
	}

	m.publishChanged(ctx, ref)

	return nil
}

// SetReady marks the entity ready exactly once and launches its state's
// on-ready workflow. Repeated calls are no-ops.
func (m *Machine) SetReady(ctx context.Context, ref models.EntityRef) error {
	cursor, err := m.persistence.EntityCursor(ctx, ref)
	if err != nil {
		return err
	}

	if cursor.Deleted {
		return ErrEntityDeleted
	}

	if cursor.Ready != nil {
		return nil
	}

	err = m.persistence.SetEntityReady(ctx, ref)
	if err != nil {
		return err
	}

	m.publishChanged(ctx, ref)

	state, err := m.persistence.WorkflowStateByID(ctx, cursor.WorkflowStateID)
	if err != nil {
		return err
	}

	if state.WorkflowID != nil {
		request := &models.EnqueueRequest{WorkflowID: *state.WorkflowID}
		applyEntity(request, ref)

		if _, enqueueErr := m.enqueuer.Enqueue(ctx, request); enqueueErr != nil {
			return fmt.Errorf("failed to start on-ready workflow: %w", enqueueErr)
		}
	}

	return nil
}

// Delete removes an entity. With a delete workflow declared on the cursor
// the entity is marked deleted and the workflow finalizes the removal;
// without one the removal is immediate and permanent.
func (m *Machine) Delete(ctx context.Context, ref models.EntityRef) error {
	cursor, err := m.persistence.EntityCursor(ctx, ref)
	if err != nil {
		return err
	}

	if cursor.DeleteWorkflowID == nil {
		return m.FinalizeDelete(ctx, ref)
	}

	if cursor.Deleted {
		return nil
	}

	err = m.persistence.MarkEntityDeleted(ctx, ref)
	if err != nil {
		return err
	}

	m.publishChanged(ctx, ref)

	request := &models.EnqueueRequest{WorkflowID: *cursor.DeleteWorkflowID}
	applyEntity(request, ref)

	_, err = m.enqueuer.Enqueue(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to start delete workflow: %w", err)
	}

	return nil
}

// FinalizeDelete permanently removes the entity cursor.
func (m *Machine) FinalizeDelete(ctx context.Context, ref models.EntityRef) error {
	err := m.persistence.DeleteEntity(ctx, ref)
	if err != nil {
		if persistence.IsEntityNotFound(err) {
			return nil
		}

		return err
	}

	m.publishChanged(ctx, ref)

	return nil
}

// delayedCompletionWorkflow builds the inline workflow committing a delayed
// transition once its state_valid instant passes.
func delayedCompletionWorkflow(toStateID string) *models.Workflow {
	return &models.Workflow{
		ID:    "state." + toStateID + ".delayed",
		Name:  "Delayed Transition",
		Queue: TransitionQueue,
		Activities: []models.WorkflowActivity{{
			ActivityID:     transition.CompleteActivityID,
			Queue:          TransitionQueue,
			ExecutionGroup: 0,
		}},
	}
}

func applyEntity(request *models.EnqueueRequest, ref models.EntityRef) {
	switch ref.Kind {
	case models.EntityMetadata:
		id := ref.ID
		version := ref.Version
		request.MetadataID = &id
		request.MetadataVersion = &version
	case models.EntityCollection:
		id := ref.ID
		request.CollectionID = &id
	}
}

func (m *Machine) publishChanged(ctx context.Context, ref models.EntityRef) {
	var event events.Event

	switch ref.Kind {
	case models.EntityMetadata:
		version := ref.Version
		event = &events.MetadataChanged{
			BaseEvent:  events.NewBaseEvent(events.MetadataChangedEvent),
			MetadataID: ref.ID,
			Version:    &version,
		}
	case models.EntityCollection:
		event = &events.CollectionChanged{
			BaseEvent:    events.NewBaseEvent(events.CollectionChangedEvent),
			CollectionID: ref.ID,
		}
	default:
		return
	}

	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish change event", "entity", ref.ID, "error", err)
	}
}

func (m *Machine) publishTransitionCompleted(ctx context.Context, ref models.EntityRef, fromStateID, toStateID string) {
	event := &events.TransitionCompleted{
		BaseEvent:  events.NewBaseEvent(events.TransitionCompletedEvent),
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		FromState:  fromStateID,
		ToState:    toStateID,
	}

	if ref.Kind == models.EntityMetadata {
		version := ref.Version
		event.Version = &version
	}

	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish transition event", "entity", ref.ID, "error", err)
	}
}
