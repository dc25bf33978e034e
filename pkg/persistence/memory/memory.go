// Package memory provides an in-memory persistence implementation for tests
// and local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
)

type cursorKey struct {
	kind    models.EntityKind
	id      string
	version int32
}

// Persistence keeps everything in maps guarded by one mutex.
type Persistence struct {
	mu sync.RWMutex

	workflows   map[string]*models.Workflow
	states      map[string]*models.WorkflowState
	transitions map[[2]string]*models.WorkflowStateTransition
	traits      map[string]*models.Trait
	schedules   map[string]*models.WorkflowSchedule
	cursors     map[cursorKey]*models.EntityCursor
	idempotency map[string]models.ExecutionID
}

func NewPersistence() *Persistence {
	return &Persistence{
		workflows:   make(map[string]*models.Workflow),
		states:      make(map[string]*models.WorkflowState),
		transitions: make(map[[2]string]*models.WorkflowStateTransition),
		traits:      make(map[string]*models.Trait),
		schedules:   make(map[string]*models.WorkflowSchedule),
		cursors:     make(map[cursorKey]*models.EntityCursor),
		idempotency: make(map[string]models.ExecutionID),
	}
}

var _ persistence.Persistence = (*Persistence)(nil)

func (p *Persistence) Workflows(_ context.Context) ([]*models.Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(p.workflows))
	for _, workflow := range p.workflows {
		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func (p *Persistence) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.workflows[workflow.ID] = workflow

	return nil
}

func (p *Persistence) WorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workflow, ok := p.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return workflow, nil
}

func (p *Persistence) DeleteWorkflow(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.workflows[id]; !ok {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	delete(p.workflows, id)

	return nil
}

func (p *Persistence) WorkflowStates(_ context.Context) ([]*models.WorkflowState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	states := make([]*models.WorkflowState, 0, len(p.states))
	for _, state := range p.states {
		states = append(states, state)
	}

	return states, nil
}

func (p *Persistence) WorkflowStateByID(_ context.Context, id string) (*models.WorkflowState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state, ok := p.states[id]
	if !ok {
		return nil, persistence.ErrStateNotFound
	}

	return state, nil
}

func (p *Persistence) SaveWorkflowState(_ context.Context, state *models.WorkflowState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.states[state.ID] = state

	return nil
}

func (p *Persistence) WorkflowTransition(_ context.Context, fromStateID, toStateID string) (*models.WorkflowStateTransition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	transition, ok := p.transitions[[2]string{fromStateID, toStateID}]
	if !ok {
		return nil, persistence.ErrTransitionNotFound
	}

	return transition, nil
}

func (p *Persistence) SaveWorkflowTransition(_ context.Context, transition *models.WorkflowStateTransition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transitions[[2]string{transition.FromStateID, transition.ToStateID}] = transition

	return nil
}

func (p *Persistence) Traits(_ context.Context) ([]*models.Trait, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	traits := make([]*models.Trait, 0, len(p.traits))
	for _, trait := range p.traits {
		traits = append(traits, trait)
	}

	return traits, nil
}

func (p *Persistence) TraitByID(_ context.Context, id string) (*models.Trait, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	trait, ok := p.traits[id]
	if !ok {
		return nil, persistence.ErrTraitNotFound
	}

	return trait, nil
}

func (p *Persistence) SaveTrait(_ context.Context, trait *models.Trait) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.traits[trait.ID] = trait

	return nil
}

func (p *Persistence) Schedules(_ context.Context) ([]*models.WorkflowSchedule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	schedules := make([]*models.WorkflowSchedule, 0, len(p.schedules))
	for _, schedule := range p.schedules {
		schedules = append(schedules, schedule)
	}

	return schedules, nil
}

func (p *Persistence) ScheduleByID(_ context.Context, id string) (*models.WorkflowSchedule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	schedule, ok := p.schedules[id]
	if !ok {
		return nil, persistence.ErrScheduleNotFound
	}

	return schedule, nil
}

func (p *Persistence) DueSchedules(_ context.Context, now time.Time) ([]*models.WorkflowSchedule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var due []*models.WorkflowSchedule

	for _, schedule := range p.schedules {
		if schedule.IsDue(now) {
			due = append(due, schedule)
		}
	}

	return due, nil
}

func (p *Persistence) SaveSchedule(_ context.Context, schedule *models.WorkflowSchedule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.schedules[schedule.ID] = schedule

	return nil
}

func (p *Persistence) DeleteSchedule(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.schedules[id]; !ok {
		return persistence.ErrScheduleNotFound
	}

	delete(p.schedules, id)

	return nil
}

func (p *Persistence) ClaimScheduleRun(_ context.Context, schedule *models.WorkflowSchedule, expectedNextRun time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.schedules[schedule.ID]
	if !ok {
		return false, persistence.ErrScheduleNotFound
	}

	if stored.NextRun == nil || !stored.NextRun.Equal(expectedNextRun) {
		return false, nil
	}

	p.schedules[schedule.ID] = schedule

	return true, nil
}

func key(ref models.EntityRef) cursorKey {
	return cursorKey{kind: ref.Kind, id: ref.ID, version: ref.Version}
}

func (p *Persistence) EntityCursor(_ context.Context, ref models.EntityRef) (*models.EntityCursor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cursor, ok := p.cursors[key(ref)]
	if !ok {
		return nil, persistence.NewEntityError("Get", ref, persistence.ErrEntityNotFound)
	}

	copied := *cursor

	return &copied, nil
}

func (p *Persistence) SaveEntityCursor(_ context.Context, cursor *models.EntityCursor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := *cursor
	p.cursors[key(cursor.Ref())] = &copied

	return nil
}

func (p *Persistence) mutateCursor(op string, ref models.EntityRef, mutate func(*models.EntityCursor)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cursor, ok := p.cursors[key(ref)]
	if !ok {
		return persistence.NewEntityError(op, ref, persistence.ErrEntityNotFound)
	}

	mutate(cursor)

	return nil
}

func (p *Persistence) SetEntityState(ctx context.Context, ref models.EntityRef, stateID string) error {
	return p.mutateCursor("SetState", ref, func(cursor *models.EntityCursor) {
		cursor.WorkflowStateID = stateID
		cursor.WorkflowStatePendingID = nil
		cursor.WorkflowStateValid = nil
	})
}

func (p *Persistence) SetEntityStatePending(ctx context.Context, ref models.EntityRef, pendingStateID string, valid *time.Time) error {
	return p.mutateCursor("SetPending", ref, func(cursor *models.EntityCursor) {
		cursor.WorkflowStatePendingID = &pendingStateID
		cursor.WorkflowStateValid = valid
	})
}

func (p *Persistence) SetEntityReady(ctx context.Context, ref models.EntityRef) error {
	return p.mutateCursor("SetReady", ref, func(cursor *models.EntityCursor) {
		if cursor.Ready == nil {
			now := time.Now().UTC()
			cursor.Ready = &now
		}
	})
}

func (p *Persistence) MarkEntityDeleted(ctx context.Context, ref models.EntityRef) error {
	return p.mutateCursor("MarkDeleted", ref, func(cursor *models.EntityCursor) {
		cursor.Deleted = true
	})
}

func (p *Persistence) DeleteEntity(_ context.Context, ref models.EntityRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.cursors[key(ref)]; !ok {
		return persistence.NewEntityError("Delete", ref, persistence.ErrEntityNotFound)
	}

	delete(p.cursors, key(ref))

	return nil
}

func (p *Persistence) LookupIdempotencyKey(_ context.Context, idempotencyKey string) (*models.ExecutionID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.idempotency[idempotencyKey]
	if !ok {
		return nil, nil
	}

	return &id, nil
}

func (p *Persistence) RegisterIdempotencyKey(_ context.Context, idempotencyKey string, id models.ExecutionID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.idempotency[idempotencyKey]; ok {
		return false, nil
	}

	p.idempotency[idempotencyKey] = id

	return true, nil
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}
