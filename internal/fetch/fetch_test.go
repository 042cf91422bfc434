package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/model"
	"github.com/spectremesh/spectremerge/internal/registry"
)

func newTestFetcher(cfg Config) *Fetcher {
	return New(cfg, nil)
}

func registerSource(t *testing.T, url string) *model.Source {
	t.Helper()
	reg := registry.New()
	s, err := reg.Register(url)
	require.NoError(t, err)
	return s
}

func TestFetch_NotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte("line1\nline2\n"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	f := newTestFetcher(cfg)
	src := registerSource(t, srv.URL)

	res, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.False(t, res.NotModified)
	src.ETag = res.ETag

	res2, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	require.True(t, res2.NotModified)
	require.Empty(t, res2.Body)
}

func TestFetch_TooLarge(t *testing.T) {
	big := make([]byte, MaxDecodedBytes+10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(big)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	f := newTestFetcher(cfg)
	src := registerSource(t, srv.URL)

	_, err := f.Fetch(context.Background(), src)
	require.Error(t, err)
	var me *model.Error
	require.ErrorAs(t, err, &me)
	require.Equal(t, model.FailFetchTooLarge, me.Kind())
}

func TestFetch_HostConcurrencyRespected(t *testing.T) {
	var active, maxActive int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.HostConcurrency = 2
	cfg.HostRateHz = 100
	cfg.HostBurst = 100
	f := newTestFetcher(cfg)
	src := registerSource(t, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Fetch(context.Background(), src)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, int(maxActive), 2)
}
