// Package memory provides an in-memory queue implementation with the same
// visibility-timeout semantics as the PostgreSQL backend. It backs unit
// tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dukex/conduit/pkg/queue"
)

type namedQueue struct {
	messages map[int64]*queue.Message
}

// Queue is a mutex-guarded in-memory queue set.
type Queue struct {
	mu     sync.Mutex
	nextID int64
	queues map[string]*namedQueue
}

func NewQueue() *Queue {
	return &Queue{queues: make(map[string]*namedQueue)}
}

var _ queue.Queue = (*Queue)(nil)

func (q *Queue) CreateQueue(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[name]; !ok {
		q.queues[name] = &namedQueue{messages: make(map[int64]*queue.Message)}
	}

	return nil
}

func (q *Queue) get(name string) (*namedQueue, error) {
	nq, ok := q.queues[name]
	if !ok {
		return nil, queue.NewOpError("lookup", name, 0, queue.ErrQueueNotFound)
	}

	return nq, nil
}

func (q *Queue) enqueueLocked(name string, payload []byte, delay time.Duration) (int64, error) {
	nq, err := q.get(name)
	if err != nil {
		return 0, err
	}

	q.nextID++
	now := time.Now().UTC()
	msg := &queue.Message{
		ID:        q.nextID,
		Queue:     name,
		Payload:   append([]byte(nil), payload...),
		Enqueued:  now,
		VisibleAt: now.Add(delay),
	}
	nq.messages[msg.ID] = msg

	return msg.ID, nil
}

func (q *Queue) Enqueue(_ context.Context, name string, payload []byte, delay time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.enqueueLocked(name, payload, delay)
}

func (q *Queue) Dequeue(_ context.Context, name string, visibility time.Duration) (*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nq, err := q.get(name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	var oldest *queue.Message

	for _, msg := range nq.messages {
		if msg.VisibleAt.After(now) {
			continue
		}

		if oldest == nil || msg.ID < oldest.ID {
			oldest = msg
		}
	}

	if oldest == nil {
		return nil, nil
	}

	oldest.VisibleAt = now.Add(visibility)

	return copyMessage(oldest), nil
}

func (q *Queue) Get(_ context.Context, name string, id int64) (*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, err := q.find(name, id, "get")
	if err != nil {
		return nil, err
	}

	return copyMessage(msg), nil
}

func (q *Queue) find(name string, id int64, op string) (*queue.Message, error) {
	nq, err := q.get(name)
	if err != nil {
		return nil, err
	}

	msg, ok := nq.messages[id]
	if !ok {
		return nil, queue.NewOpError(op, name, id, queue.ErrMessageGone)
	}

	return msg, nil
}

func (q *Queue) Ack(_ context.Context, name string, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.ackLocked(name, id)
}

func (q *Queue) ackLocked(name string, id int64) error {
	nq, err := q.get(name)
	if err != nil {
		return err
	}

	if _, ok := nq.messages[id]; !ok {
		return queue.NewOpError("ack", name, id, queue.ErrMessageGone)
	}

	delete(nq.messages, id)

	return nil
}

func (q *Queue) Update(_ context.Context, name string, id int64, payload []byte, keepClaim bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.updateLocked(name, id, payload, keepClaim)
}

func (q *Queue) updateLocked(name string, id int64, payload []byte, keepClaim bool) error {
	msg, err := q.find(name, id, "update")
	if err != nil {
		return err
	}

	msg.Payload = append([]byte(nil), payload...)
	if !keepClaim {
		msg.VisibleAt = time.Now().UTC()
	}

	return nil
}

func (q *Queue) Checkin(_ context.Context, name string, id int64, horizon time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, err := q.find(name, id, "checkin")
	if err != nil {
		return err
	}

	msg.VisibleAt = time.Now().UTC().Add(horizon)

	return nil
}

func (q *Queue) Retry(_ context.Context, name string, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, err := q.find(name, id, "retry")
	if err != nil {
		return err
	}

	msg.VisibleAt = time.Now().UTC()

	return nil
}

func (q *Queue) Fail(_ context.Context, name string, id int64, errMsg string, requeueDelay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, err := q.find(name, id, "fail")
	if err != nil {
		return err
	}

	msg.Attempts++
	msg.Error = errMsg
	msg.VisibleAt = time.Now().UTC().Add(requeueDelay)

	return nil
}

func (q *Queue) Transact(_ context.Context, ops []queue.TxOp) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Validate targets first so the op list applies all-or-nothing.
	for _, op := range ops {
		switch op.Kind {
		case queue.TxEnqueue:
			if _, err := q.get(op.Queue); err != nil {
				return nil, err
			}
		case queue.TxUpdate, queue.TxAck:
			if _, err := q.find(op.Queue, op.ID, string(op.Kind)); err != nil {
				return nil, err
			}
		}
	}

	var ids []int64

	for _, op := range ops {
		switch op.Kind {
		case queue.TxEnqueue:
			id, err := q.enqueueLocked(op.Queue, op.Payload, op.Delay)
			if err != nil {
				return nil, err
			}

			ids = append(ids, id)
		case queue.TxUpdate:
			if err := q.updateLocked(op.Queue, op.ID, op.Payload, op.KeepClaim); err != nil {
				return nil, err
			}
		case queue.TxAck:
			if err := q.ackLocked(op.Queue, op.ID); err != nil {
				return nil, err
			}
		}
	}

	return ids, nil
}

func (q *Queue) Mutate(_ context.Context, name string, id int64, fn queue.MutateFunc) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, err := q.find(name, id, "mutate")
	if err != nil {
		return nil, err
	}

	newPayload, extra, err := fn(append([]byte(nil), msg.Payload...))
	if err != nil {
		return nil, err
	}

	if newPayload != nil {
		msg.Payload = append([]byte(nil), newPayload...)
	}

	var ids []int64

	for _, op := range extra {
		switch op.Kind {
		case queue.TxEnqueue:
			enqueuedID, err := q.enqueueLocked(op.Queue, op.Payload, op.Delay)
			if err != nil {
				return nil, err
			}

			ids = append(ids, enqueuedID)
		case queue.TxUpdate:
			if err := q.updateLocked(op.Queue, op.ID, op.Payload, op.KeepClaim); err != nil {
				return nil, err
			}
		case queue.TxAck:
			if err := q.ackLocked(op.Queue, op.ID); err != nil {
				return nil, err
			}
		}
	}

	return ids, nil
}

func (q *Queue) Stats(_ context.Context, name string) (*queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nq, err := q.get(name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &queue.Stats{Depth: int64(len(nq.messages))}

	var visible []*queue.Message

	for _, msg := range nq.messages {
		if msg.VisibleAt.After(now) {
			stats.InFlight++
		} else {
			visible = append(visible, msg)
		}
	}

	if len(visible) > 0 {
		sort.Slice(visible, func(a, b int) bool { return visible[a].ID < visible[b].ID })
		stats.OldestVisibleAge = now.Sub(visible[0].Enqueued)
	}

	return stats, nil
}

func (q *Queue) Close(_ context.Context) error {
	return nil
}

func copyMessage(msg *queue.Message) *queue.Message {
	out := *msg
	out.Payload = append([]byte(nil), msg.Payload...)

	return &out
}
