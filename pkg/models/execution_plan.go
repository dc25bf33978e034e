package models

import (
	"fmt"
	"time"
)

// ExecutionID identifies a persisted plan: the message id assigned by the
// queue on first persistence plus the queue it lives in.
type ExecutionID struct {
	Queue string `json:"queue"`
	ID    int64  `json:"id"`
}

func (id ExecutionID) String() string {
	return fmt.Sprintf("%s/%d", id.Queue, id.ID)
}

// JobID identifies one job within a plan. The pair (PlanID, Index) is the
// idempotency key for all downstream effects of the job.
type JobID struct {
	Queue  string `json:"queue"`
	PlanID int64  `json:"plan_id"`
	Index  int32  `json:"index"`
}

func (id JobID) String() string {
	return fmt.Sprintf("%s/%d[%d]", id.Queue, id.PlanID, id.Index)
}

func (id JobID) ExecutionID() ExecutionID {
	return ExecutionID{Queue: id.Queue, ID: id.PlanID}
}

// PlanState is the observable lifecycle state of a plan.
type PlanState string

const (
	PlanStateRunning  PlanState = "running"
	PlanStateComplete PlanState = "complete"
	PlanStateFailed   PlanState = "failed"
)

// Plan is a persisted execution graph of jobs plus progress state. The plan
// message in its workflow queue is the single source of truth for progress;
// all transitions happen through the queue's transactional update.
type Plan struct {
	Kind  string `json:"kind"`
	ID    int64  `json:"id"`
	Queue string `json:"queue"`

	WorkflowID string `json:"workflow_id"`
	Jobs       []*Job `json:"jobs"`

	// Progress sets. Every job index is in exactly one of pending, current,
	// running, complete or failed.
	Pending  IndexSet `json:"pending"`
	Current  []int32  `json:"current"`
	Running  IndexSet `json:"running"`
	Complete IndexSet `json:"complete"`
	Failed   IndexSet `json:"failed"`

	Context map[string]any `json:"context"`
	Error   *string        `json:"error"`
	Parent  *JobID         `json:"parent"`

	MetadataID      *string `json:"metadata_id,omitempty"`
	MetadataVersion *int32  `json:"metadata_version,omitempty"`
	CollectionID    *string `json:"collection_id,omitempty"`
	ProfileID       *string `json:"profile_id,omitempty"`
	SupplementaryID *string `json:"supplementary_id,omitempty"`

	Enqueued    time.Time  `json:"enqueued"`
	DelayUntil  *time.Time `json:"delay_until,omitempty"`
	Finished    *time.Time `json:"finished,omitempty"`
	Cancelled   bool       `json:"cancelled,omitempty"`
	MaxAttempts int32      `json:"max_attempts"`

	// IdempotencyKey deduplicates enqueues, e.g. scheduled firings keyed by
	// (schedule_id, next_run).
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

// Job is one unit of activity execution tied to an index within a plan. It
// carries a value-typed back reference to the plan so workers can operate on
// a job message without re-reading the plan first.
type Job struct {
	Kind string `json:"kind"`
	ID   JobID  `json:"id"`

	WorkflowID       string                      `json:"workflow_id"`
	Activity         Activity                    `json:"activity"`
	WorkflowActivity WorkflowActivity            `json:"workflow_activity"`
	Inputs           []WorkflowActivityParameter `json:"inputs"`
	Outputs          []WorkflowActivityParameter `json:"outputs"`

	Context map[string]any `json:"context"`
	Error   *string        `json:"error"`
	Attempt int32          `json:"attempt"`

	MetadataID       *string  `json:"metadata_id,omitempty"`
	MetadataVersion  *int32   `json:"metadata_version,omitempty"`
	CollectionID     *string  `json:"collection_id,omitempty"`
	ProfileID        *string  `json:"profile_id,omitempty"`
	SupplementaryID  *string  `json:"supplementary_id,omitempty"`
	TraitID          *string  `json:"trait_id,omitempty"`
	StorageSystemIDs []string `json:"storage_system_ids,omitempty"`

	// Child plans spawned by this job. The job is suspensive and completes
	// only once every child has terminated.
	Children          ExecutionIDSet `json:"children,omitempty"`
	CompletedChildren ExecutionIDSet `json:"completed_children,omitempty"`
	FailedChildren    ExecutionIDSet `json:"failed_children,omitempty"`

	Finished *time.Time `json:"finished,omitempty"`

	ParentPlan *JobID `json:"parent_plan,omitempty"`
}

const (
	KindPlan = "plan"
	KindJob  = "job"
)

// ExecutionRef returns the id of the plan message that owns this job.
func (j *Job) ExecutionRef() ExecutionID {
	return j.ID.ExecutionID()
}

// ChildrenSettled reports whether every child plan has terminated.
func (j *Job) ChildrenSettled() bool {
	return j.Children.Len() == j.CompletedChildren.Len()+j.FailedChildren.Len()
}

// Initialize resets the progress sets to the start state: everything
// pending, then the lowest execution group promoted to current.
func (p *Plan) Initialize() {
	p.Kind = KindPlan
	p.Pending = NewIndexSet()
	p.Current = nil
	p.Running = NewIndexSet()
	p.Complete = NewIndexSet()
	p.Failed = NewIndexSet()

	for _, job := range p.Jobs {
		p.Pending.Add(job.ID.Index)
	}

	p.promote()
}

// Normalize stamps the id the queue assigned on first persistence into the
// plan and every embedded job reference. Called on every read.
func (p *Plan) Normalize(id int64, queue string) {
	p.ID = id
	p.Queue = queue

	for _, job := range p.Jobs {
		job.ID.PlanID = id
		job.ID.Queue = queue
	}
}

// State reports the plan lifecycle state. A plan terminates successfully iff
// all jobs are settled and none failed.
func (p *Plan) State() PlanState {
	settled := p.Complete.Len() + p.Failed.Len()
	if settled == len(p.Jobs) {
		if p.Failed.Len() > 0 || p.Cancelled {
			return PlanStateFailed
		}

		return PlanStateComplete
	}

	return PlanStateRunning
}

// Settled reports whether a job index is in a terminal set.
func (p *Plan) Settled(index int32) bool {
	return p.Complete.Has(index) || p.Failed.Has(index)
}

// Job returns the job at index.
func (p *Plan) Job(index int32) (*Job, error) {
	if index < 0 || int(index) >= len(p.Jobs) {
		return nil, fmt.Errorf("plan %s has no job at index %d", ExecutionID{Queue: p.Queue, ID: p.ID}, index)
	}

	return p.Jobs[index], nil
}

// Start moves a job from current to running and returns it. Starting a job
// that is not current is an error: the caller lost a dispatch race.
func (p *Plan) Start(index int32) (*Job, error) {
	for i, c := range p.Current {
		if c == index {
			p.Current = append(p.Current[:i], p.Current[i+1:]...)
			p.Running.Add(index)

			return p.Job(index)
		}
	}

	return nil, fmt.Errorf("job %d of plan %d is not dispatchable", index, p.ID)
}

// SetJobComplete records a successful execution. If the job still has
// unterminated children it stays running and the plan does not advance.
// Idempotent: completing an already complete job is a no-op.
func (p *Plan) SetJobComplete(index int32) (PlanState, error) {
	job, err := p.Job(index)
	if err != nil {
		return p.State(), err
	}

	if p.Complete.Has(index) {
		return p.State(), nil
	}

	if !job.ChildrenSettled() {
		return PlanStateRunning, nil
	}

	if job.FailedChildren.Len() > 0 {
		return p.SetJobFailed(index, fmt.Sprintf("%d child workflows failed", job.FailedChildren.Len()))
	}

	now := time.Now().UTC()
	job.Error = nil
	job.Finished = &now

	p.Running.Remove(index)
	p.Failed.Remove(index)
	p.Complete.Add(index)

	p.promote()
	p.finishIfSettled()

	return p.State(), nil
}

// SetJobFailed records a terminal failure for a job. The plan still
// advances: dependent groups dispatch, and the plan terminates with a
// non-empty failed set.
func (p *Plan) SetJobFailed(index int32, errMsg string) (PlanState, error) {
	job, err := p.Job(index)
	if err != nil {
		return p.State(), err
	}

	if p.Failed.Has(index) {
		return p.State(), nil
	}

	now := time.Now().UTC()
	job.Error = &errMsg
	job.Finished = &now

	p.Running.Remove(index)
	p.Pending.Remove(index)
	p.Complete.Remove(index)

	for i, c := range p.Current {
		if c == index {
			p.Current = append(p.Current[:i], p.Current[i+1:]...)

			break
		}
	}

	p.Failed.Add(index)

	if p.Error == nil {
		p.Error = &errMsg
	}

	p.promote()
	p.finishIfSettled()

	return p.State(), nil
}

// SetChildComplete records a terminated child plan on its parent job and
// completes the job when all children have settled.
func (p *Plan) SetChildComplete(index int32, child ExecutionID, success bool) (PlanState, error) {
	job, err := p.Job(index)
	if err != nil {
		return p.State(), err
	}

	if success {
		if job.CompletedChildren == nil {
			job.CompletedChildren = NewExecutionIDSet()
		}

		job.CompletedChildren.Add(child)
	} else {
		if job.FailedChildren == nil {
			job.FailedChildren = NewExecutionIDSet()
		}

		job.FailedChildren.Add(child)
	}

	if job.ChildrenSettled() {
		return p.SetJobComplete(index)
	}

	return PlanStateRunning, nil
}

// Cancel marks the plan cancelled. Running jobs observe cancellation on
// their next checkin and abort cooperatively.
func (p *Plan) Cancel(reason string) {
	p.Cancelled = true
	if p.Error == nil {
		p.Error = &reason
	}
}

// promote moves pending jobs whose predecessors have all settled into
// current. Jobs of a group are promoted together, in vector order.
func (p *Plan) promote() {
	if p.Pending.Len() == 0 {
		return
	}

	next := int32(-1)

	for index := range p.Pending {
		group := p.Jobs[index].WorkflowActivity.ExecutionGroup
		if next == -1 || group < next {
			next = group
		}
	}

	// Every job in a strictly earlier group must be settled first.
	for _, job := range p.Jobs {
		if job.WorkflowActivity.ExecutionGroup < next && !p.Settled(job.ID.Index) {
			return
		}
	}

	for _, job := range p.Jobs {
		if job.WorkflowActivity.ExecutionGroup == next && p.Pending.Has(job.ID.Index) {
			p.Pending.Remove(job.ID.Index)
			p.Current = append(p.Current, job.ID.Index)
		}
	}
}

func (p *Plan) finishIfSettled() {
	if p.Complete.Len()+p.Failed.Len() == len(p.Jobs) && p.Finished == nil {
		now := time.Now().UTC()
		p.Finished = &now
	}
}

// Validate checks the progress-set partition invariant: the five sets cover
// all job indexes and are pairwise disjoint.
func (p *Plan) Validate() error {
	seen := make(map[int32]int, len(p.Jobs))

	count := func(indexes []int32) {
		for _, i := range indexes {
			seen[i]++
		}
	}

	count(p.Pending.Sorted())
	count(p.Current)
	count(p.Running.Sorted())
	count(p.Complete.Sorted())
	count(p.Failed.Sorted())

	if len(seen) != len(p.Jobs) {
		return fmt.Errorf("plan %d progress sets cover %d of %d jobs", p.ID, len(seen), len(p.Jobs))
	}

	for index, n := range seen {
		if n != 1 {
			return fmt.Errorf("plan %d job %d appears in %d progress sets", p.ID, index, n)
		}

		if index < 0 || int(index) >= len(p.Jobs) {
			return fmt.Errorf("plan %d references unknown job %d", p.ID, index)
		}
	}

	for _, index := range p.Current {
		group := p.Jobs[index].WorkflowActivity.ExecutionGroup
		for _, job := range p.Jobs {
			if job.WorkflowActivity.ExecutionGroup < group && !p.Settled(job.ID.Index) {
				return fmt.Errorf("plan %d job %d is current with unsettled predecessor %d", p.ID, index, job.ID.Index)
			}
		}
	}

	return nil
}
