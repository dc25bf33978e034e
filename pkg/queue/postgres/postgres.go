// Package postgres provides the PostgreSQL queue backend. Every queue shares
// a single messages table, so cross-queue operations can run in one database
// transaction and message ids are unique across the whole system.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/dukex/conduit/pkg/persistence/postgresql"
	"github.com/dukex/conduit/pkg/queue"
)

const foreignKeyViolation = "23503"

// Queue implements queue.Queue on PostgreSQL.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewQueue connects, runs the shared conduit migrations and returns a ready
// queue backend.
func NewQueue(ctx context.Context, logger *slog.Logger, databaseURL string) (*Queue, error) {
	database, err := postgresql.Open(ctx, logger, databaseURL)
	if err != nil {
		return nil, err
	}

	return &Queue{db: database, logger: logger}, nil
}

// NewQueueWithDB wraps an already-migrated database handle so the queue can
// share a pool with the persistence layer.
func NewQueueWithDB(database *sql.DB, logger *slog.Logger) *Queue {
	return &Queue{db: database, logger: logger}
}

var _ queue.Queue = (*Queue)(nil)

func (q *Queue) CreateQueue(ctx context.Context, name string) error {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO conduit_queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name)
	if err != nil {
		return queue.NewOpError("create", name, 0, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func enqueue(ctx context.Context, db execer, name string, payload []byte, delay time.Duration) (int64, error) {
	var id int64

	err := db.QueryRowContext(ctx, `
		INSERT INTO conduit_queue_messages (queue, payload, visible_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		RETURNING id`,
		name, payload, delay.Seconds()).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return 0, queue.NewOpError("enqueue", name, 0, queue.ErrQueueNotFound)
		}

		return 0, queue.NewOpError("enqueue", name, 0, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	return id, nil
}

func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, delay time.Duration) (int64, error) {
	return enqueue(ctx, q.db, name, payload, delay)
}

func (q *Queue) Dequeue(ctx context.Context, name string, visibility time.Duration) (*queue.Message, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE conduit_queue_messages
		SET visible_at = NOW() + make_interval(secs => $2)
		WHERE id = (
			SELECT id FROM conduit_queue_messages
			WHERE queue = $1 AND visible_at <= NOW()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, enqueued, visible_at, attempts, COALESCE(error, '')`,
		name, visibility.Seconds())

	msg, err := scanMessage(row, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if exists, existsErr := q.queueExists(ctx, name); existsErr != nil {
				return nil, existsErr
			} else if !exists {
				return nil, queue.NewOpError("dequeue", name, 0, queue.ErrQueueNotFound)
			}

			return nil, nil
		}

		return nil, queue.NewOpError("dequeue", name, 0, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	return msg, nil
}

func (q *Queue) Get(ctx context.Context, name string, id int64) (*queue.Message, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, payload, enqueued, visible_at, attempts, COALESCE(error, '')
		FROM conduit_queue_messages
		WHERE queue = $1 AND id = $2`,
		name, id)

	msg, err := scanMessage(row, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.NewOpError("get", name, id, queue.ErrMessageGone)
		}

		return nil, queue.NewOpError("get", name, id, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	return msg, nil
}

func ack(ctx context.Context, db execer, name string, id int64) error {
	result, err := db.ExecContext(ctx,
		"DELETE FROM conduit_queue_messages WHERE queue = $1 AND id = $2", name, id)

	return affectedOne(result, err, "ack", name, id)
}

func (q *Queue) Ack(ctx context.Context, name string, id int64) error {
	return ack(ctx, q.db, name, id)
}

func update(ctx context.Context, db execer, name string, id int64, payload []byte, keepClaim bool) error {
	var (
		result sql.Result
		err    error
	)

	if keepClaim {
		result, err = db.ExecContext(ctx, `
			UPDATE conduit_queue_messages SET payload = $3
			WHERE queue = $1 AND id = $2`,
			name, id, payload)
	} else {
		result, err = db.ExecContext(ctx, `
			UPDATE conduit_queue_messages SET payload = $3, visible_at = NOW()
			WHERE queue = $1 AND id = $2`,
			name, id, payload)
	}

	return affectedOne(result, err, "update", name, id)
}

func (q *Queue) Update(ctx context.Context, name string, id int64, payload []byte, keepClaim bool) error {
	return update(ctx, q.db, name, id, payload, keepClaim)
}

func (q *Queue) Checkin(ctx context.Context, name string, id int64, horizon time.Duration) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE conduit_queue_messages SET visible_at = NOW() + make_interval(secs => $3)
		WHERE queue = $1 AND id = $2`,
		name, id, horizon.Seconds())

	return affectedOne(result, err, "checkin", name, id)
}

func (q *Queue) Retry(ctx context.Context, name string, id int64) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE conduit_queue_messages SET visible_at = NOW()
		WHERE queue = $1 AND id = $2`,
		name, id)

	return affectedOne(result, err, "retry", name, id)
}

func (q *Queue) Fail(ctx context.Context, name string, id int64, errMsg string, requeueDelay time.Duration) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE conduit_queue_messages
		SET attempts = attempts + 1, error = $3, visible_at = NOW() + make_interval(secs => $4)
		WHERE queue = $1 AND id = $2`,
		name, id, errMsg, requeueDelay.Seconds())

	return affectedOne(result, err, "fail", name, id)
}

func (q *Queue) Transact(ctx context.Context, ops []queue.TxOp) ([]int64, error) {
	transaction, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, queue.NewOpError("transact", "", 0, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	var ids []int64

	for _, op := range ops {
		var opErr error

		switch op.Kind {
		case queue.TxEnqueue:
			var id int64

			id, opErr = enqueue(ctx, transaction, op.Queue, op.Payload, op.Delay)
			if opErr == nil {
				ids = append(ids, id)
			}
		case queue.TxUpdate:
			opErr = update(ctx, transaction, op.Queue, op.ID, op.Payload, op.KeepClaim)
		case queue.TxAck:
			opErr = ack(ctx, transaction, op.Queue, op.ID)
		}

		if opErr != nil {
			_ = transaction.Rollback()

			return nil, opErr
		}
	}

	err = transaction.Commit()
	if err != nil {
		return nil, queue.NewOpError("transact", "", 0, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	return ids, nil
}

func (q *Queue) Mutate(ctx context.Context, name string, id int64, fn queue.MutateFunc) ([]int64, error) {
	transaction, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, queue.NewOpError("mutate", name, id, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	var payload []byte

	err = transaction.QueryRowContext(ctx, `
		SELECT payload FROM conduit_queue_messages
		WHERE queue = $1 AND id = $2
		FOR UPDATE`,
		name, id).Scan(&payload)
	if err != nil {
		_ = transaction.Rollback()

		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.NewOpError("mutate", name, id, queue.ErrMessageGone)
		}

		return nil, queue.NewOpError("mutate", name, id, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	newPayload, extra, err := fn(payload)
	if err != nil {
		_ = transaction.Rollback()

		return nil, err
	}

	if newPayload != nil {
		err = update(ctx, transaction, name, id, newPayload, true)
		if err != nil {
			_ = transaction.Rollback()

			return nil, err
		}
	}

	var ids []int64

	for _, op := range extra {
		var opErr error

		switch op.Kind {
		case queue.TxEnqueue:
			var enqueuedID int64

			enqueuedID, opErr = enqueue(ctx, transaction, op.Queue, op.Payload, op.Delay)
			if opErr == nil {
				ids = append(ids, enqueuedID)
			}
		case queue.TxUpdate:
			opErr = update(ctx, transaction, op.Queue, op.ID, op.Payload, op.KeepClaim)
		case queue.TxAck:
			opErr = ack(ctx, transaction, op.Queue, op.ID)
		}

		if opErr != nil {
			_ = transaction.Rollback()

			return nil, opErr
		}
	}

	err = transaction.Commit()
	if err != nil {
		return nil, queue.NewOpError("mutate", name, id, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	return ids, nil
}

func (q *Queue) Stats(ctx context.Context, name string) (*queue.Stats, error) {
	exists, err := q.queueExists(ctx, name)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, queue.NewOpError("stats", name, 0, queue.ErrQueueNotFound)
	}

	stats := &queue.Stats{}

	var oldestSeconds sql.NullFloat64

	err = q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE visible_at > NOW()),
			EXTRACT(EPOCH FROM NOW() - MIN(enqueued) FILTER (WHERE visible_at <= NOW()))
		FROM conduit_queue_messages
		WHERE queue = $1`,
		name).Scan(&stats.Depth, &stats.InFlight, &oldestSeconds)
	if err != nil {
		return nil, queue.NewOpError("stats", name, 0, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	if oldestSeconds.Valid {
		stats.OldestVisibleAge = time.Duration(oldestSeconds.Float64 * float64(time.Second))
	}

	return stats, nil
}

func (q *Queue) Close(_ context.Context) error {
	err := q.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

func (q *Queue) queueExists(ctx context.Context, name string) (bool, error) {
	var exists bool

	err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM conduit_queues WHERE name = $1)", name).Scan(&exists)
	if err != nil {
		return false, queue.NewOpError("lookup", name, 0, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	return exists, nil
}

func scanMessage(row *sql.Row, name string) (*queue.Message, error) {
	msg := &queue.Message{Queue: name}

	err := row.Scan(&msg.ID, &msg.Payload, &msg.Enqueued, &msg.VisibleAt, &msg.Attempts, &msg.Error)
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func affectedOne(result sql.Result, err error, op, name string, id int64) error {
	if err != nil {
		return queue.NewOpError(op, name, id, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return queue.NewOpError(op, name, id, fmt.Errorf("%w: %w", queue.ErrBackend, err))
	}

	if affected == 0 {
		return queue.NewOpError(op, name, id, queue.ErrMessageGone)
	}

	return nil
}
