package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conduit/pkg/queue"
)

func newTestQueue(t *testing.T, names ...string) *Queue {
	t.Helper()

	q := NewQueue()
	for _, name := range names {
		require.NoError(t, q.CreateQueue(t.Context(), name))
	}

	return q
}

func TestEnqueueDequeue(t *testing.T) {
	q := newTestQueue(t, "work")

	id, err := q.Enqueue(t.Context(), "work", []byte(`{"n":1}`), 0)
	require.NoError(t, err)

	msg, err := q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, []byte(`{"n":1}`), msg.Payload)
	assert.Equal(t, int32(0), msg.Attempts)

	// Claimed messages are invisible.
	again, err := q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestDequeueOrdersByID(t *testing.T) {
	q := newTestQueue(t, "work")

	first, err := q.Enqueue(t.Context(), "work", []byte(`1`), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(t.Context(), "work", []byte(`2`), 0)
	require.NoError(t, err)

	msg, err := q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first, msg.ID)
}

func TestEnqueueDelay(t *testing.T) {
	q := newTestQueue(t, "work")

	_, err := q.Enqueue(t.Context(), "work", []byte(`later`), time.Hour)
	require.NoError(t, err)

	msg, err := q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestEnqueueUnknownQueue(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Enqueue(t.Context(), "missing", []byte(`x`), 0)
	require.Error(t, err)
	assert.True(t, queue.IsQueueNotFound(err))
}

func TestAckRemoves(t *testing.T) {
	q := newTestQueue(t, "work")

	id, err := q.Enqueue(t.Context(), "work", []byte(`x`), 0)
	require.NoError(t, err)

	require.NoError(t, q.Ack(t.Context(), "work", id))

	_, err = q.Get(t.Context(), "work", id)
	assert.True(t, queue.IsMessageGone(err))

	err = q.Ack(t.Context(), "work", id)
	assert.True(t, queue.IsMessageGone(err))
}

func TestFailRecordsAttempt(t *testing.T) {
	q := newTestQueue(t, "work")

	id, err := q.Enqueue(t.Context(), "work", []byte(`x`), 0)
	require.NoError(t, err)

	_, err = q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Fail(t.Context(), "work", id, "boom", 0))

	msg, err := q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int32(1), msg.Attempts)
	assert.Equal(t, "boom", msg.Error)
}

func TestFailRequeueDelay(t *testing.T) {
	q := newTestQueue(t, "work")

	id, err := q.Enqueue(t.Context(), "work", []byte(`x`), 0)
	require.NoError(t, err)

	require.NoError(t, q.Fail(t.Context(), "work", id, "boom", time.Hour))

	msg, err := q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// Retry overrides the backoff and surfaces the message immediately.
	require.NoError(t, q.Retry(t.Context(), "work", id))

	msg, err = q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestCheckinExtendsClaim(t *testing.T) {
	q := newTestQueue(t, "work")

	id, err := q.Enqueue(t.Context(), "work", []byte(`x`), 0)
	require.NoError(t, err)

	require.NoError(t, q.Checkin(t.Context(), "work", id, time.Hour))

	msg, err := q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestUpdateKeepClaim(t *testing.T) {
	q := newTestQueue(t, "work")

	id, err := q.Enqueue(t.Context(), "work", []byte(`old`), 0)
	require.NoError(t, err)

	_, err = q.Dequeue(t.Context(), "work", time.Hour)
	require.NoError(t, err)

	require.NoError(t, q.Update(t.Context(), "work", id, []byte(`new`), true))

	msg, err := q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg, "claim must survive a keepClaim update")

	stored, err := q.Get(t.Context(), "work", id)
	require.NoError(t, err)
	assert.Equal(t, []byte(`new`), stored.Payload)

	// Without keepClaim the message becomes visible again.
	require.NoError(t, q.Update(t.Context(), "work", id, []byte(`newer`), false))

	msg, err = q.Dequeue(t.Context(), "work", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte(`newer`), msg.Payload)
}

func TestTransactAllOrNothing(t *testing.T) {
	q := newTestQueue(t, "a", "b")

	id, err := q.Enqueue(t.Context(), "a", []byte(`x`), 0)
	require.NoError(t, err)

	// The ack targets a message that does not exist, so the enqueue must
	// not happen either.
	_, err = q.Transact(t.Context(), []queue.TxOp{
		queue.EnqueueOp("b", []byte(`y`), 0),
		queue.AckOp("a", id+100),
	})
	require.Error(t, err)

	stats, err := q.Stats(t.Context(), "b")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Depth)

	ids, err := q.Transact(t.Context(), []queue.TxOp{
		queue.EnqueueOp("b", []byte(`y`), 0),
		queue.AckOp("a", id),
	})
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	statsA, err := q.Stats(t.Context(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), statsA.Depth)
}

func TestMutate(t *testing.T) {
	q := newTestQueue(t, "a", "b")

	id, err := q.Enqueue(t.Context(), "a", []byte(`1`), 0)
	require.NoError(t, err)

	_, err = q.Dequeue(t.Context(), "a", time.Hour)
	require.NoError(t, err)

	ids, err := q.Mutate(t.Context(), "a", id, func(payload []byte) ([]byte, []queue.TxOp, error) {
		assert.Equal(t, []byte(`1`), payload)

		return []byte(`2`), []queue.TxOp{queue.EnqueueOp("b", []byte(`child`), 0)}, nil
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	stored, err := q.Get(t.Context(), "a", id)
	require.NoError(t, err)
	assert.Equal(t, []byte(`2`), stored.Payload)

	// The claim survives a mutate.
	msg, err := q.Dequeue(t.Context(), "a", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg)

	child, err := q.Dequeue(t.Context(), "b", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, child)
	assert.Equal(t, []byte(`child`), child.Payload)
}

func TestMutateNilPayloadLeavesMessage(t *testing.T) {
	q := newTestQueue(t, "a")

	id, err := q.Enqueue(t.Context(), "a", []byte(`keep`), 0)
	require.NoError(t, err)

	_, err = q.Mutate(t.Context(), "a", id, func([]byte) ([]byte, []queue.TxOp, error) {
		return nil, nil, nil
	})
	require.NoError(t, err)

	stored, err := q.Get(t.Context(), "a", id)
	require.NoError(t, err)
	assert.Equal(t, []byte(`keep`), stored.Payload)
}

func TestMutateFnErrorLeavesMessage(t *testing.T) {
	q := newTestQueue(t, "a")

	id, err := q.Enqueue(t.Context(), "a", []byte(`keep`), 0)
	require.NoError(t, err)

	boom := errors.New("boom")

	_, err = q.Mutate(t.Context(), "a", id, func([]byte) ([]byte, []queue.TxOp, error) {
		return []byte(`clobbered`), nil, boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := q.Get(t.Context(), "a", id)
	require.NoError(t, err)
	assert.Equal(t, []byte(`keep`), stored.Payload)
}

func TestStats(t *testing.T) {
	q := newTestQueue(t, "work")

	_, err := q.Enqueue(t.Context(), "work", []byte(`1`), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(t.Context(), "work", []byte(`2`), 0)
	require.NoError(t, err)

	_, err = q.Dequeue(t.Context(), "work", time.Hour)
	require.NoError(t, err)

	stats, err := q.Stats(t.Context(), "work")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Depth)
	assert.Equal(t, int64(1), stats.InFlight)
	assert.GreaterOrEqual(t, stats.OldestVisibleAge, time.Duration(0))
}
