// Package cache implements the multi-level test cache: an in-memory LRU
// (L1) in front of a SQLite-backed verdict store (L2, sharing its pragma
// set with internal/queue). A fresh L1 or L2 hit short-circuits the
// prober for that fingerprint.
package cache

import (
	"container/list"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spectremesh/spectremerge/internal/model"
)

const (
	// DefaultL1Capacity bounds the in-memory LRU.
	DefaultL1Capacity = 10_000

	// DefaultWorkingTTL and DefaultFailingTTL are the default cache
	// lifetimes for working and failing verdicts respectively.
	DefaultWorkingTTL = 2 * time.Hour
	DefaultFailingTTL = 1 * time.Hour
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint   TEXT PRIMARY KEY,
	is_working    INTEGER NOT NULL,
	latency_ms    REAL NOT NULL,
	strategy      TEXT NOT NULL,
	failure_kind  TEXT NOT NULL DEFAULT '',
	tested_at     INTEGER NOT NULL,
	ttl_seconds   INTEGER NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	total_count   INTEGER NOT NULL DEFAULT 0
);`

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA mmap_size=268435456;",
	"PRAGMA cache_size=-80000;",
}

// Cache is the two-level (LRU + SQLite) verdict store.
type Cache struct {
	mu         sync.Mutex
	l1         map[string]*list.Element
	order      *list.List
	l1Capacity int

	db         *sql.DB
	workingTTL time.Duration
	failingTTL time.Duration
}

type l1Entry struct {
	fingerprint string
	entry       model.CacheEntry
}

// Open opens (creating if absent) the SQLite-backed L2 at path and wraps it
// with an empty L1 LRU of the given capacity.
func Open(path string, l1Capacity int) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: schema: %w", err)
	}
	if l1Capacity <= 0 {
		l1Capacity = DefaultL1Capacity
	}
	return &Cache{
		l1:         make(map[string]*list.Element),
		order:      list.New(),
		l1Capacity: l1Capacity,
		db:         db,
		workingTTL: DefaultWorkingTTL,
		failingTTL: DefaultFailingTTL,
	}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// SetTTLs overrides the default working/failing TTLs. The orchestrator
// passes CACHE_TTL_SECONDS as the working TTL and half of it as the
// failing TTL.
func (c *Cache) SetTTLs(working, failing time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workingTTL = working
	c.failingTTL = failing
}

// Get checks L1 then L2; an L2 hit promotes to L1. Returns
// (entry, true) only when the entry is still fresh.
func (c *Cache) Get(ctx context.Context, fingerprint string) (model.CacheEntry, bool, error) {
	c.mu.Lock()
	if el, ok := c.l1[fingerprint]; ok {
		entry := el.Value.(*l1Entry).entry
		c.order.MoveToFront(el)
		c.mu.Unlock()
		if entry.Fresh(time.Now()) {
			return entry, true, nil
		}
		return model.CacheEntry{}, false, nil
	}
	c.mu.Unlock()

	entry, ok, err := c.getL2(ctx, fingerprint)
	if err != nil || !ok {
		return model.CacheEntry{}, false, err
	}
	c.promote(fingerprint, entry)
	if entry.Fresh(time.Now()) {
		return entry, true, nil
	}
	return model.CacheEntry{}, false, nil
}

func (c *Cache) getL2(ctx context.Context, fingerprint string) (model.CacheEntry, bool, error) {
	var (
		isWorking                int
		latencyMS                float64
		strategy, failureKind    string
		testedAtUnix, ttlSeconds int64
		successCount, totalCount int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT is_working, latency_ms, strategy, failure_kind, tested_at, ttl_seconds, success_count, total_count
		FROM cache_entries WHERE fingerprint = ?`, fingerprint,
	).Scan(&isWorking, &latencyMS, &strategy, &failureKind, &testedAtUnix, &ttlSeconds, &successCount, &totalCount)
	if err == sql.ErrNoRows {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("cache: get %s: %w", fingerprint, err)
	}
	testedAt := time.Unix(0, testedAtUnix)
	entry := model.CacheEntry{
		Fingerprint: fingerprint,
		LastResult: model.ProbeResult{
			Fingerprint: fingerprint,
			IsWorking:   isWorking != 0,
			LatencyMS:   latencyMS,
			TestedAt:    testedAt,
			Strategy:    model.ProbeStrategy(strategy),
			FailureKind: model.FailureKind(failureKind),
		},
		TestedAt:     testedAt,
		TTL:          time.Duration(ttlSeconds) * time.Second,
		SuccessCount: successCount,
		TotalCount:   totalCount,
	}
	return entry, true, nil
}

// Stats returns fingerprint's rolling success/total counters regardless
// of entry freshness; these feed the scorer's rolling success rate.
// Unknown fingerprints return (0, 0, nil).
func (c *Cache) Stats(ctx context.Context, fingerprint string) (success, total int64, err error) {
	entry, ok, err := c.getL2(ctx, fingerprint)
	if err != nil || !ok {
		return 0, 0, err
	}
	return entry.SuccessCount, entry.TotalCount, nil
}

// Put records r as fingerprint's latest verdict in both levels, updating
// the rolling success/total counters.
func (c *Cache) Put(ctx context.Context, fingerprint string, r model.ProbeResult) error {
	c.mu.Lock()
	ttl := c.workingTTL
	if !r.IsWorking {
		ttl = c.failingTTL
	}
	c.mu.Unlock()

	prior, _, err := c.getL2(ctx, fingerprint)
	if err != nil {
		return err
	}
	total := prior.TotalCount + 1
	success := prior.SuccessCount
	if r.IsWorking {
		success++
	}

	entry := model.CacheEntry{
		Fingerprint:  fingerprint,
		LastResult:   r,
		TestedAt:     r.TestedAt,
		TTL:          ttl,
		SuccessCount: success,
		TotalCount:   total,
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, is_working, latency_ms, strategy, failure_kind, tested_at, ttl_seconds, success_count, total_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			is_working=excluded.is_working,
			latency_ms=excluded.latency_ms,
			strategy=excluded.strategy,
			failure_kind=excluded.failure_kind,
			tested_at=excluded.tested_at,
			ttl_seconds=excluded.ttl_seconds,
			success_count=excluded.success_count,
			total_count=excluded.total_count`,
		fingerprint, boolToInt(r.IsWorking), r.LatencyMS, string(r.Strategy), string(r.FailureKind),
		r.TestedAt.UnixNano(), int64(ttl/time.Second), success, total)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", fingerprint, err)
	}

	c.promote(fingerprint, entry)
	return nil
}

// promote inserts or refreshes fingerprint's L1 entry, evicting the least
// recently used entry once over capacity.
func (c *Cache) promote(fingerprint string, entry model.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.l1[fingerprint]; ok {
		el.Value.(*l1Entry).entry = entry
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&l1Entry{fingerprint: fingerprint, entry: entry})
	c.l1[fingerprint] = el
	for c.order.Len() > c.l1Capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.l1, oldest.Value.(*l1Entry).fingerprint)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
