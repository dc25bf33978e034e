// Package events defines event types and structures for content and plan
// lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukex/conduit/pkg/models"
)

type EventType string

// Kafka topics.
const ContentTopic = "conduit.content.changes" // entity change notifications
const PlanTopic = "conduit.plan.events"        // execution plan lifecycle events

const EventTypeMetadataKey = "event_type"

const (
	// Entity change events, consumed by cache invalidators.
	MetadataChangedEvent   EventType = "metadata.changed"
	CollectionChangedEvent EventType = "collection.changed"

	// Plan lifecycle events.
	PlanFinishedEvent EventType = "plan.finished"
	PlanFailedEvent   EventType = "plan.failed"

	// State machine events.
	TransitionCompletedEvent EventType = "transition.completed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

type Event interface {
	GetType() EventType
}

// MetadataChanged is published whenever a metadata item's stored form
// changes: state transitions, ready marks, deletions.
type MetadataChanged struct {
	BaseEvent

	MetadataID string `json:"metadata_id"`
	Version    *int32 `json:"version,omitempty"`
}

func (e MetadataChanged) GetType() EventType {
	return MetadataChangedEvent
}

// CollectionChanged is the collection counterpart of MetadataChanged.
type CollectionChanged struct {
	BaseEvent

	CollectionID string `json:"collection_id"`
}

func (e CollectionChanged) GetType() EventType {
	return CollectionChangedEvent
}

// PlanFinished is published when an execution plan completes with no
// failed jobs.
type PlanFinished struct {
	BaseEvent

	PlanID     int64  `json:"plan_id"`
	Queue      string `json:"queue"`
	WorkflowID string `json:"workflow_id"`
}

func (e PlanFinished) GetType() EventType {
	return PlanFinishedEvent
}

// PlanFailed is published when an execution plan settles with at least
// one failed job, or is cancelled.
type PlanFailed struct {
	BaseEvent

	PlanID     int64  `json:"plan_id"`
	Queue      string `json:"queue"`
	WorkflowID string `json:"workflow_id"`
	Error      string `json:"error"`
	Cancelled  bool   `json:"cancelled"`
}

func (e PlanFailed) GetType() EventType {
	return PlanFailedEvent
}

// TransitionCompleted is published when an entity finishes moving between
// workflow states.
type TransitionCompleted struct {
	BaseEvent

	EntityKind models.EntityKind `json:"entity_kind"`
	EntityID   string            `json:"entity_id"`
	Version    *int32            `json:"version,omitempty"`
	FromState  string            `json:"from_state"`
	ToState    string            `json:"to_state"`
}

func (e TransitionCompleted) GetType() EventType {
	return TransitionCompletedEvent
}

// TopicFor maps an event type to the topic it is published on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case MetadataChangedEvent, CollectionChangedEvent:
		return ContentTopic
	case PlanFinishedEvent, PlanFailedEvent, TransitionCompletedEvent:
		return PlanTopic
	default:
		return PlanTopic
	}
}

// Decode returns a zero value of the concrete event struct for a type,
// suitable for json.Unmarshal targets. Returns nil for unknown types.
func Decode(eventType EventType) Event {
	switch eventType {
	case MetadataChangedEvent:
		return &MetadataChanged{}
	case CollectionChangedEvent:
		return &CollectionChanged{}
	case PlanFinishedEvent:
		return &PlanFinished{}
	case PlanFailedEvent:
		return &PlanFailed{}
	case TransitionCompletedEvent:
		return &TransitionCompleted{}
	default:
		return nil
	}
}
