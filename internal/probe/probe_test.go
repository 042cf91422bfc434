package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/cache"
	"github.com/spectremesh/spectremerge/internal/model"
)

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// proxyCandidate points a direct-dialable candidate at addr (host:port).
func proxyCandidate(t *testing.T, addr string) *model.Candidate {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &model.Candidate{
		Fingerprint: "fp-" + addr,
		Protocol:    model.ProtoSOCKS5,
		Host:        host,
		Port:        port,
	}
}

func newProber(c *cache.Cache, liveness string) *Prober {
	return New(Config{
		Workers:            4,
		Timeout:            2 * time.Second,
		LivenessURLs:       []string{liveness},
		HelperFallback:     false,
		HelperPoolCapacity: 4,
	}, c)
}

func TestProbe_DirectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := newProber(testCache(t), "http://liveness.invalid/generate_204")
	c := proxyCandidate(t, srv.Listener.Addr().String())

	results := p.Run(context.Background(), []*model.Candidate{c})
	require.Len(t, results, 1)
	require.True(t, results[0].IsWorking)
	require.Equal(t, model.StrategyDirect, results[0].Strategy)
	require.Greater(t, results[0].LatencyMS, 0.0)
}

func TestProbe_RefusedClassified(t *testing.T) {
	// Grab a port that nothing is listening on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := newProber(testCache(t), "http://liveness.invalid/generate_204")
	c := proxyCandidate(t, addr)

	results := p.Run(context.Background(), []*model.Candidate{c})
	require.Len(t, results, 1)
	require.False(t, results[0].IsWorking)
	require.Equal(t, model.FailProbeRefused, results[0].FailureKind)
}

func TestProbe_BadStatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := newProber(testCache(t), "http://liveness.invalid/generate_204")
	c := proxyCandidate(t, srv.Listener.Addr().String())

	results := p.Run(context.Background(), []*model.Candidate{c})
	require.False(t, results[0].IsWorking)
	require.Equal(t, model.FailProbeBadStatus, results[0].FailureKind)
}

func TestProbe_FreshCacheHitShortCircuits(t *testing.T) {
	c := testCache(t)
	fp := "fp-cached"
	cached := model.ProbeResult{
		Fingerprint: fp,
		IsWorking:   true,
		LatencyMS:   12,
		TestedAt:    time.Now(),
		Strategy:    model.StrategyDirect,
	}
	require.NoError(t, c.Put(context.Background(), fp, cached))

	// Candidate points nowhere; a real probe would fail, so a working
	// result proves the cache short-circuit.
	p := newProber(c, "http://liveness.invalid/generate_204")
	candidate := &model.Candidate{Fingerprint: fp, Protocol: model.ProtoSOCKS5, Host: "127.0.0.1", Port: 9}

	results := p.Run(context.Background(), []*model.Candidate{candidate})
	require.True(t, results[0].IsWorking)
	require.Equal(t, 12.0, results[0].LatencyMS)
}

func TestProbe_ResultsCommittedToCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testCache(t)
	p := newProber(c, "http://liveness.invalid/generate_204")
	candidate := proxyCandidate(t, srv.Listener.Addr().String())

	p.Run(context.Background(), []*model.Candidate{candidate})

	entry, ok, err := c.Get(context.Background(), candidate.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, entry.LastResult.IsWorking)
	require.Equal(t, int64(1), entry.TotalCount)
}

func TestProbe_CancelledContextReturnsPromptly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Second)
	}))
	defer srv.Close()

	p := newProber(testCache(t), "http://liveness.invalid/generate_204")
	candidate := proxyCandidate(t, srv.Listener.Addr().String())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results := p.Run(ctx, []*model.Candidate{candidate})
	require.Less(t, time.Since(start), 2*p.cfg.Timeout)
	require.False(t, results[0].IsWorking)
}

func TestAdaptiveWorkers_WithinBounds(t *testing.T) {
	w := AdaptiveWorkers()
	require.GreaterOrEqual(t, w, minWorkers)
	require.LessOrEqual(t, w, maxWorkers)
}
