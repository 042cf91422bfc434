// Package dnscache is the shared resolver cache used by the HTTP fetcher
// and the geolocation enricher: at most 1000 entries with a 5 minute TTL.
// A small map guarded by a mutex, without eviction-by-recency since
// entries expire on their own via TTL.
package dnscache

import (
	"context"
	"net"
	"sync"
	"time"
)

const (
	// MaxEntries bounds the resolver cache.
	MaxEntries = 1000
	// TTL is the cache freshness window.
	TTL = 5 * time.Minute
)

type entry struct {
	addrs   []string
	expires time.Time
}

// Resolver is a TTL-bounded DNS cache wrapping *net.Resolver.
type Resolver struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []string // FIFO eviction order once MaxEntries is exceeded
	res     *net.Resolver
}

// New returns a Resolver backed by the default net.Resolver.
func New() *Resolver {
	return &Resolver{
		entries: make(map[string]entry),
		res:     net.DefaultResolver,
	}
}

// Lookup resolves host to a list of IP address strings, consulting the
// cache first. A cached miss or expiry triggers a real lookup.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	r.mu.Lock()
	if e, ok := r.entries[host]; ok && time.Now().Before(e.expires) {
		addrs := e.addrs
		r.mu.Unlock()
		return addrs, nil
	}
	r.mu.Unlock()

	addrs, err := r.res.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[host]; !exists {
		if len(r.order) >= MaxEntries {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.entries, oldest)
		}
		r.order = append(r.order, host)
	}
	r.entries[host] = entry{addrs: addrs, expires: time.Now().Add(TTL)}
	return addrs, nil
}

// Len reports the current number of cached hosts (test/telemetry helper).
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
