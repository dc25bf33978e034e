// Package queue defines the message queue substrate the workflow core runs
// on: named queues of plan and job messages with visibility-timeout claims
// and atomic multi-queue transactions.
package queue

import (
	"context"
	"time"
)

// Message is one persisted queue entry. The queue owns the id, visibility
// and delivery bookkeeping; the payload is owned by whoever enqueued it.
type Message struct {
	ID       int64     `json:"id"`
	Queue    string    `json:"queue"`
	Payload  []byte    `json:"payload"`
	Enqueued time.Time `json:"enqueued"`

	// VisibleAt is the instant the message (re)becomes claimable. A claimed
	// message is invisible until its visibility timeout lapses.
	VisibleAt time.Time `json:"visible_at"`

	// Attempts counts deliveries that ended in Fail.
	Attempts int32  `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Stats describes one queue for the operational surface.
type Stats struct {
	Depth            int64         `json:"depth"`
	InFlight         int64         `json:"in_flight"`
	OldestVisibleAge time.Duration `json:"oldest_visible_age"`
}

// TxOpKind discriminates transactional operations.
type TxOpKind string

const (
	TxEnqueue TxOpKind = "enqueue"
	TxUpdate  TxOpKind = "update"
	TxAck     TxOpKind = "ack"
)

// TxOp is one step of a multi-queue transaction.
type TxOp struct {
	Kind    TxOpKind
	Queue   string
	ID      int64
	Payload []byte
	Delay   time.Duration

	// KeepClaim preserves the current visibility timeout on update. When
	// false the message becomes immediately visible.
	KeepClaim bool
}

func EnqueueOp(queue string, payload []byte, delay time.Duration) TxOp {
	return TxOp{Kind: TxEnqueue, Queue: queue, Payload: payload, Delay: delay}
}

func UpdateOp(queue string, id int64, payload []byte, keepClaim bool) TxOp {
	return TxOp{Kind: TxUpdate, Queue: queue, ID: id, Payload: payload, KeepClaim: keepClaim}
}

func AckOp(queue string, id int64) TxOp {
	return TxOp{Kind: TxAck, Queue: queue, ID: id}
}

// MutateFunc transforms a message payload under lock. It returns the new
// payload and any extra ops to apply in the same transaction. A nil new
// payload leaves the stored payload unchanged.
type MutateFunc func(payload []byte) (newPayload []byte, extra []TxOp, err error)

// Queue is the substrate contract. Delivery is at-least-once: a message
// claimed but neither acked nor updated within its visibility timeout
// becomes visible again, so consumers must be idempotent.
type Queue interface {
	// CreateQueue makes a named queue. Creating an existing queue is a
	// no-op.
	CreateQueue(ctx context.Context, name string) error

	// Enqueue inserts a message that becomes visible at now+delay and
	// returns its id.
	Enqueue(ctx context.Context, queue string, payload []byte, delay time.Duration) (int64, error)

	// Dequeue atomically claims the oldest visible message, extending its
	// invisibility to now+visibility. Returns nil when the queue is empty.
	Dequeue(ctx context.Context, queue string, visibility time.Duration) (*Message, error)

	// Get reads a message by id without claiming it.
	Get(ctx context.Context, queue string, id int64) (*Message, error)

	// Ack permanently removes a message.
	Ack(ctx context.Context, queue string, id int64) error

	// Update replaces the stored payload. With keepClaim=false the message
	// becomes immediately visible.
	Update(ctx context.Context, queue string, id int64, payload []byte, keepClaim bool) error

	// Checkin extends the claim on a message by the given horizon.
	Checkin(ctx context.Context, queue string, id int64, horizon time.Duration) error

	// Retry makes an invisible message immediately visible. Admin surface.
	Retry(ctx context.Context, queue string, id int64) error

	// Fail records an error on the message, increments its attempt counter
	// and reschedules visibility to now+requeueDelay.
	Fail(ctx context.Context, queue string, id int64, errMsg string, requeueDelay time.Duration) error

	// Transact executes the ordered op list atomically across queues and
	// returns the ids of enqueued messages in op order.
	Transact(ctx context.Context, ops []TxOp) ([]int64, error)

	// Mutate atomically reads a message payload under lock, applies fn and
	// writes the result back together with fn's extra ops. Concurrent
	// mutations of the same message serialize. The claim on the message is
	// preserved. Returns the ids of messages enqueued by extra ops.
	Mutate(ctx context.Context, queue string, id int64, fn MutateFunc) ([]int64, error)

	// Stats reports queue depth and claim counts.
	Stats(ctx context.Context, queue string) (*Stats, error)

	Close(ctx context.Context) error
}
