// Package queue implements the disk queue: a durable FIFO of Candidates
// keyed by fingerprint, backed by modernc.org/sqlite with the same WAL
// pragma set as the test cache. Un-acked items are
// redelivered on the next Open, so a killed run can resume without losing
// progress.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spectremesh/spectremerge/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	fingerprint TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL,
	acked       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_items_pending
	ON queue_items (enqueued_at) WHERE acked = 0;`

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA mmap_size=268435456;",
	"PRAGMA cache_size=-80000;",
}

// Queue is the durable, crash-safe candidate FIFO. Only the orchestrator
// and the prober pool mutate it; SQLite WAL handles reader concurrency
// for any concurrent dequeue/ack callers within that discipline.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite-backed queue at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close closes the underlying database handle.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue inserts batch, keyed by each Candidate's Fingerprint. Candidates
// already present (acked or not) are left untouched; the queue is an
// admission set, not a multiset.
func (q *Queue) Enqueue(ctx context.Context, batch []*model.Candidate) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: enqueue begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queue_items (fingerprint, payload, enqueued_at, acked)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(fingerprint) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("queue: enqueue prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, c := range batch {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("queue: enqueue marshal %s: %w", c.Fingerprint, err)
		}
		if _, err := stmt.ExecContext(ctx, c.Fingerprint, payload, now); err != nil {
			return fmt.Errorf("queue: enqueue %s: %w", c.Fingerprint, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: enqueue commit: %w", err)
	}
	return nil
}

// Dequeue returns up to n un-acked items in FIFO (enqueue) order. Dequeued
// items remain un-acked until Ack is called, so a crash between Dequeue and
// Ack redelivers them on the next run.
func (q *Queue) Dequeue(ctx context.Context, n int) ([]*model.Candidate, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT payload FROM queue_items
		WHERE acked = 0
		ORDER BY enqueued_at ASC, rowid ASC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	defer rows.Close()

	var out []*model.Candidate
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		var c model.Candidate
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("queue: dequeue unmarshal: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Ack marks fingerprint as delivered, removing it from future Dequeue
// results and redelivery on reopen.
func (q *Queue) Ack(ctx context.Context, fingerprint string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_items SET acked = 1 WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", fingerprint, err)
	}
	return nil
}

// Pending returns the count of un-acked items, mainly for telemetry/tests.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE acked = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: pending: %w", err)
	}
	return n, nil
}
