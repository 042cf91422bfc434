package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/model"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path, 2)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_PutThenGetFreshHit(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	r := model.ProbeResult{Fingerprint: "fp1", IsWorking: true, LatencyMS: 42, TestedAt: time.Now(), Strategy: model.StrategyDirect}
	require.NoError(t, c.Put(ctx, "fp1", r))

	entry, ok, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), entry.TotalCount)
	require.Equal(t, int64(1), entry.SuccessCount)
}

func TestCache_L2PromotesToL1(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	r := model.ProbeResult{Fingerprint: "fp2", IsWorking: true, TestedAt: time.Now(), Strategy: model.StrategyDirect}
	require.NoError(t, c.Put(ctx, "fp2", r))

	c.mu.Lock()
	delete(c.l1, "fp2")
	c.order = c.order.Init()
	c.mu.Unlock()

	_, ok, err := c.Get(ctx, "fp2")
	require.NoError(t, err)
	require.True(t, ok)

	c.mu.Lock()
	_, inL1 := c.l1["fp2"]
	c.mu.Unlock()
	require.True(t, inL1, "L2 hit should promote into L1")
}

func TestCache_StaleEntryMisses(t *testing.T) {
	c := openTestCache(t)
	c.SetTTLs(time.Millisecond, time.Millisecond)
	ctx := context.Background()

	r := model.ProbeResult{Fingerprint: "fp3", IsWorking: true, TestedAt: time.Now(), Strategy: model.StrategyDirect}
	require.NoError(t, c.Put(ctx, "fp3", r))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.Get(ctx, "fp3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCache_L1EvictsLeastRecentlyUsed(t *testing.T) {
	c := openTestCache(t) // capacity 2
	ctx := context.Background()
	now := time.Now()

	for _, fp := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(ctx, fp, model.ProbeResult{Fingerprint: fp, IsWorking: true, TestedAt: now, Strategy: model.StrategyDirect}))
	}

	c.mu.Lock()
	_, hasA := c.l1["a"]
	_, hasC := c.l1["c"]
	c.mu.Unlock()
	require.False(t, hasA, "oldest entry should have been evicted from L1")
	require.True(t, hasC)
}
