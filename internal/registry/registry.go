// Package registry holds the ordered list of source URLs supplied by the
// caller and their per-source fetch health: a list of URLs parsed from
// sources.txt, one Source record each.
package registry

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/spectremesh/spectremerge/internal/model"
)

// DemoteAfter is the default consecutive-failure threshold after
// which a source is demoted to low priority for the remainder of a run.
const DemoteAfter = 5

// Registry is the ordered, thread-safe set of registered Sources.
type Registry struct {
	mu      sync.Mutex
	order   []string // URL order, stable across the run
	sources map[string]*model.Source
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sources: make(map[string]*model.Source)}
}

// LoadLines parses one URL per line from r, skipping blank lines and lines
// starting with '#' (sources.txt format).
func LoadLines(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("registry: read sources: %w", err)
	}
	return urls, nil
}

// Register adds url to the registry if not already present, preserving
// first-seen order. Returns the (possibly pre-existing) Source.
func (r *Registry) Register(rawURL string) (*model.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sources[rawURL]; ok {
		return s, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid source url %q: %w", rawURL, err)
	}
	s := &model.Source{URL: rawURL, Host: u.Host}
	r.sources[rawURL] = s
	r.order = append(r.order, rawURL)
	return s, nil
}

// Get returns the Source for url, or nil if not registered.
func (r *Registry) Get(url string) *model.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sources[url]
}

// All returns a snapshot of Sources in registration order. Demoted
// sources (consecutive failures >= DemoteAfter) are moved to the end,
// deprioritised for the rest of the run but never dropped.
func (r *Registry) All() []*model.Source {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.Source, 0, len(r.order))
	var demoted []*model.Source
	for _, u := range r.order {
		s := r.sources[u]
		if s.Demoted {
			demoted = append(demoted, s)
			continue
		}
		out = append(out, s)
	}
	return append(out, demoted...)
}

// RecordSuccess updates a Source's rolling stats after a successful fetch.
func (r *Registry) RecordSuccess(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sources[url]
	if s == nil {
		return
	}
	s.ConsecutiveFailures = 0
	s.RollingSuccessRate = rolling(s.RollingSuccessRate, true)
}

// RecordFailure updates a Source's rolling stats and demotes it once
// ConsecutiveFailures reaches threshold.
func (r *Registry) RecordFailure(url string, threshold int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sources[url]
	if s == nil {
		return
	}
	s.ConsecutiveFailures++
	s.RollingSuccessRate = rolling(s.RollingSuccessRate, false)
	if threshold <= 0 {
		threshold = DemoteAfter
	}
	if s.ConsecutiveFailures >= threshold {
		s.Demoted = true
	}
}

// rolling applies an exponential moving average (alpha=0.2) to the
// existing rate given one new observation.
func rolling(prev float64, ok bool) float64 {
	const alpha = 0.2
	obs := 0.0
	if ok {
		obs = 1.0
	}
	if prev == 0 && !ok {
		return 0
	}
	return prev*(1-alpha) + obs*alpha
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
