package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// pollInterval is how often a blocked Pop re-checks the table.
const pollInterval = 100 * time.Millisecond

// LibSQLQueue is a durable FIFO queue backed by a libSQL table. It can
// share the store's database handle so the whole engine runs off one
// file, or use a dedicated one.
type LibSQLQueue struct {
	db   *sql.DB
	name string
}

// NewLibSQLQueue wraps the given database as a named queue and creates
// the backing table if needed.
func NewLibSQLQueue(ctx context.Context, db *sql.DB, name string) (*LibSQLQueue, error) {
	if name == "" {
		name = "default"
	}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS queue_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue TEXT NOT NULL,
		payload BLOB NOT NULL,
		enqueued_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return nil, fmt.Errorf("create queue_items: %w", err)
	}
	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_queue_items_queue ON queue_items(queue, id)`)
	if err != nil {
		return nil, fmt.Errorf("index queue_items: %w", err)
	}
	return &LibSQLQueue{db: db, name: name}, nil
}

func (q *LibSQLQueue) Push(ctx context.Context, payload []byte) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_items (queue, payload) VALUES (?, ?)`, q.name, payload)
	return err
}

func (q *LibSQLQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		item, err := q.tryPop(ctx)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryPop removes the oldest item in one transaction. SELECT and DELETE
// stay together so two consumers never hand out the same row.
func (q *LibSQLQueue) tryPop(ctx context.Context) ([]byte, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload FROM queue_items WHERE queue = ? ORDER BY id ASC LIMIT 1`, q.name,
	).Scan(&id, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop: %w", err)
	}
	return payload, nil
}

func (q *LibSQLQueue) Clear(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue = ?`, q.name)
	return err
}
