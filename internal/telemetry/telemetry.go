// Package telemetry records the pipeline's counters, phase timers and
// rates as prometheus/client_golang collectors. A RunReport snapshot is
// derived from the same numbers at the end of a run.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spectremesh/spectremerge/internal/model"
)

// Metrics is the run-scoped collector set. It registers against its own
// registry so parallel runs (tests) never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	fetched  prometheus.Counter
	parsed   prometheus.Counter
	unique   prometheus.Counter
	tested   prometheus.Counter
	working  prometheus.Counter
	selected prometheus.Counter

	duplicates prometheus.Counter

	failures *prometheus.CounterVec

	phaseSeconds *prometheus.GaugeVec

	mu          sync.Mutex
	startedAt   time.Time
	phaseStart  map[string]time.Time
	phaseTotals map[string]time.Duration
	failCounts  map[model.FailureKind]int64
	counts      struct {
		fetched, parsed, unique, tested, working, selected, duplicates int64
	}
	perProtocol map[model.Protocol]int64
	perCountry  map[string]int64
	warnings    []string
}

// New returns an empty Metrics set with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectremerge_lines_fetched_total",
			Help: "Candidate lines fetched across all source bodies.",
		}),
		parsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectremerge_candidates_parsed_total",
			Help: "Lines parsed into canonical candidates.",
		}),
		unique: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectremerge_candidates_unique_total",
			Help: "Candidates surviving fingerprint dedup.",
		}),
		tested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectremerge_probes_total",
			Help: "Candidates probed (cache hits included).",
		}),
		working: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectremerge_probes_working_total",
			Help: "Probes that verified a working proxy.",
		}),
		selected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectremerge_proxies_selected_total",
			Help: "Proxies in the chosen subset.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectremerge_candidates_duplicate_total",
			Help: "Candidates dropped as duplicate fingerprints.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spectremerge_failures_total",
			Help: "Failures by taxonomy kind.",
		}, []string{"kind"}),
		phaseSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spectremerge_phase_duration_seconds",
			Help: "Wall-clock duration of each pipeline phase.",
		}, []string{"phase"}),
		startedAt:   time.Now(),
		phaseStart:  make(map[string]time.Time),
		phaseTotals: make(map[string]time.Duration),
		failCounts:  make(map[model.FailureKind]int64),
		perProtocol: make(map[model.Protocol]int64),
		perCountry:  make(map[string]int64),
	}
	reg.MustRegister(m.fetched, m.parsed, m.unique, m.tested, m.working,
		m.selected, m.duplicates, m.failures, m.phaseSeconds)
	return m
}

// Registry exposes the underlying prometheus registry (for --show-metrics
// style dumps or an embedding process's scrape endpoint).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// StartPhase marks the beginning of a named phase.
func (m *Metrics) StartPhase(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phaseStart[name] = time.Now()
}

// EndPhase records the elapsed time since the matching StartPhase.
func (m *Metrics) EndPhase(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.phaseStart[name]
	if !ok {
		return
	}
	d := time.Since(start)
	m.phaseTotals[name] += d
	m.phaseSeconds.WithLabelValues(name).Set(d.Seconds())
	delete(m.phaseStart, name)
}

// AddFetched increments the fetched-lines counter by n.
func (m *Metrics) AddFetched(n int64) { m.fetched.Add(float64(n)); m.add(&m.counts.fetched, n) }

// AddParsed increments the parsed-candidates counter by n.
func (m *Metrics) AddParsed(n int64) { m.parsed.Add(float64(n)); m.add(&m.counts.parsed, n) }

// AddUnique increments the unique-candidates counter by n.
func (m *Metrics) AddUnique(n int64) { m.unique.Add(float64(n)); m.add(&m.counts.unique, n) }

// AddTested increments the probes counter by n.
func (m *Metrics) AddTested(n int64) { m.tested.Add(float64(n)); m.add(&m.counts.tested, n) }

// AddWorking increments the working-probes counter by n.
func (m *Metrics) AddWorking(n int64) { m.working.Add(float64(n)); m.add(&m.counts.working, n) }

// AddSelected increments the selected-proxies counter by n.
func (m *Metrics) AddSelected(n int64) { m.selected.Add(float64(n)); m.add(&m.counts.selected, n) }

// AddDuplicates increments the duplicate counter by n.
func (m *Metrics) AddDuplicates(n int64) {
	m.duplicates.Add(float64(n))
	m.add(&m.counts.duplicates, n)
}

func (m *Metrics) add(dst *int64, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*dst += n
}

// RecordFailure counts one failure of the given taxonomy kind.
func (m *Metrics) RecordFailure(kind model.FailureKind) {
	if kind == "" {
		return
	}
	m.failures.WithLabelValues(string(kind)).Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCounts[kind]++
}

// RecordProtocol counts one final-output proxy under its protocol.
func (m *Metrics) RecordProtocol(p model.Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perProtocol[p]++
}

// RecordCountry counts one final-output proxy under its country code.
func (m *Metrics) RecordCountry(cc string) {
	if cc == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perCountry[cc]++
}

// Warn appends a non-fatal run warning (e.g. "empty result, no fallback").
func (m *Metrics) Warn(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, msg)
}

// Report snapshots everything into a RunReport, with the top-error
// list sorted by descending count then kind for determinism.
func (m *Metrics) Report() *model.RunReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := &model.RunReport{
		StartedAt:      m.startedAt,
		FinishedAt:     time.Now(),
		Fetched:        m.counts.fetched,
		Parsed:         m.counts.parsed,
		Unique:         m.counts.unique,
		Tested:         m.counts.tested,
		Working:        m.counts.working,
		Selected:       m.counts.selected,
		DuplicateCount: m.counts.duplicates,
		PhaseDurations: make(map[string]time.Duration, len(m.phaseTotals)),
		PerProtocol:    make(map[model.Protocol]int64, len(m.perProtocol)),
		PerCountry:     make(map[string]int64, len(m.perCountry)),
		Warnings:       append([]string(nil), m.warnings...),
	}
	for k, v := range m.phaseTotals {
		r.PhaseDurations[k] = v
	}
	for k, v := range m.perProtocol {
		r.PerProtocol[k] = v
	}
	for k, v := range m.perCountry {
		r.PerCountry[k] = v
	}
	for kind, count := range m.failCounts {
		r.TopErrors = append(r.TopErrors, model.ErrorCount{Kind: kind, Count: count})
	}
	sort.Slice(r.TopErrors, func(i, j int) bool {
		if r.TopErrors[i].Count != r.TopErrors[j].Count {
			return r.TopErrors[i].Count > r.TopErrors[j].Count
		}
		return r.TopErrors[i].Kind < r.TopErrors[j].Kind
	})
	return r
}
