package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/probe"
)

// livenessTarget starts a 204 responder standing in for both the proxy
// endpoint and the liveness URL: the direct strategy dials the candidate's
// host:port and issues the liveness GET over that connection, so a single
// server playing the proxy role is enough to observe a working verdict.
func livenessTarget(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sourceServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(t *testing.T) (Options, string) {
	t.Helper()
	out := t.TempDir()
	pcfg := probe.Config{
		Workers:            4,
		Timeout:            2 * time.Second,
		LivenessURLs:       []string{"http://liveness.invalid/generate_204"},
		HelperFallback:     false,
		HelperPoolCapacity: 4,
	}
	return Options{
		OutputDir:   out,
		DataDir:     t.TempDir(),
		ProbeConfig: &pcfg,
	}, out
}

func writeSources(t *testing.T, urls ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(urls, "\n")+"\n"), 0o644))
	return path
}

func readJSONArray(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var arr []map[string]any
	require.NoError(t, json.Unmarshal(data, &arr))
	return arr
}

// Two sources where the second echoes the first's lines plus one extra:
// exactly the unique union is tested and the duplicate count equals the
// overlap.
func TestMerge_DedupesAcrossSources(t *testing.T) {
	p1 := livenessTarget(t)
	p2 := livenessTarget(t)
	p3 := livenessTarget(t)

	line := func(s *httptest.Server) string {
		return "socks5://" + s.Listener.Addr().String()
	}
	srcA := sourceServer(t, line(p1)+"\n"+line(p2)+"\n")
	srcB := sourceServer(t, line(p1)+"\n"+line(p2)+"\n"+line(p3)+"\n")

	opts, out := testOptions(t)
	opts.Mode = ModeMerge
	opts.SourcesPath = writeSources(t, srcA.URL, srcB.URL)

	o, err := New(opts)
	require.NoError(t, err)
	defer o.Close()

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, int64(5), report.Parsed)
	require.Equal(t, int64(3), report.Unique)
	require.Equal(t, int64(2), report.DuplicateCount)
	require.Equal(t, int64(3), report.Tested)
	require.Equal(t, int64(3), report.Working)
	require.True(t, report.Reconciles())

	proxies := readJSONArray(t, filepath.Join(out, "proxies.json"))
	require.Len(t, proxies, 3)
	seen := map[string]bool{}
	for _, p := range proxies {
		fp := p["fingerprint"].(string)
		require.NotEmpty(t, fp)
		require.False(t, seen[fp], "fingerprints unique in final output")
		seen[fp] = true
		require.True(t, p["is_working"].(bool))
	}

	chosen := readJSONArray(t, filepath.Join(out, "chosen.json"))
	require.Len(t, chosen, 3)
}

// A second run where every source answers 304 produces zero parses, zero
// probes, and leaves the previous proxies.json in place.
func TestMerge_NotModifiedPreservesPreviousSnapshot(t *testing.T) {
	target := livenessTarget(t)
	body := "socks5://" + target.Listener.Addr().String() + "\n"

	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, body)
	}))
	defer src.Close()

	opts, out := testOptions(t)
	opts.Mode = ModeMerge
	opts.SourcesPath = writeSources(t, src.URL)

	first, err := New(opts)
	require.NoError(t, err)
	report1, err := first.Run(context.Background())
	require.NoError(t, err)
	first.Close()
	require.Equal(t, int64(1), report1.Working)

	before, err := os.ReadFile(filepath.Join(out, "proxies.json"))
	require.NoError(t, err)

	second, err := New(opts)
	require.NoError(t, err)
	defer second.Close()
	report2, err := second.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, int64(0), report2.Parsed)
	require.Equal(t, int64(0), report2.Tested)

	after, err := os.ReadFile(filepath.Join(out, "proxies.json"))
	require.NoError(t, err)
	require.Equal(t, before, after, "previous snapshot retained on all-304")
}

// Retest mode over a prior proxies.json whose entries all fail: the new
// proxies.json is empty, the rejected/ counts sum to N, and the run still
// reports success.
func TestRetest_AllFailing(t *testing.T) {
	// Ports grabbed then released, so every dial is refused.
	deadURIs := make([]map[string]string, 0, 3)
	for i := 0; i < 3; i++ {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		addr := srv.Listener.Addr().String()
		srv.Close()
		deadURIs = append(deadURIs, map[string]string{"raw_uri": "socks5://" + addr})
	}
	data, err := json.Marshal(deadURIs)
	require.NoError(t, err)
	input := filepath.Join(t.TempDir(), "proxies.json")
	require.NoError(t, os.WriteFile(input, data, 0o644))

	opts, out := testOptions(t)
	opts.Mode = ModeRetest
	opts.InputPath = input

	o, err := New(opts)
	require.NoError(t, err)
	defer o.Close()

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, int64(3), report.Tested)
	require.Equal(t, int64(0), report.Working)

	proxies := readJSONArray(t, filepath.Join(out, "proxies.json"))
	require.Empty(t, proxies)

	rejectedDir := filepath.Join(out, "rejected")
	entries, err := os.ReadDir(rejectedDir)
	require.NoError(t, err)
	total := 0
	for _, e := range entries {
		if e.Name() == "all_security_issues.json" {
			continue
		}
		total += len(readJSONArray(t, filepath.Join(rejectedDir, e.Name())))
	}
	require.Equal(t, 3, total)
}
