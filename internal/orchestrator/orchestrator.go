// Package orchestrator drives the pipeline stages in order: fetch, parse,
// canonicalise and dedupe, queue, probe, enrich, score, emit. It owns the
// run-scoped collections (registry snapshot, queue and cache handles,
// report) and the global deadline.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spectremesh/spectremerge/internal/cache"
	"github.com/spectremesh/spectremerge/internal/canonical"
	"github.com/spectremesh/spectremerge/internal/dnscache"
	"github.com/spectremesh/spectremerge/internal/emit"
	"github.com/spectremesh/spectremerge/internal/etagstore"
	"github.com/spectremesh/spectremerge/internal/fetch"
	"github.com/spectremesh/spectremerge/internal/geoip"
	"github.com/spectremesh/spectremerge/internal/model"
	"github.com/spectremesh/spectremerge/internal/parse"
	"github.com/spectremesh/spectremerge/internal/probe"
	"github.com/spectremesh/spectremerge/internal/queue"
	"github.com/spectremesh/spectremerge/internal/registry"
	"github.com/spectremesh/spectremerge/internal/score"
	"github.com/spectremesh/spectremerge/internal/security"
	"github.com/spectremesh/spectremerge/internal/telemetry"
)

// Mode selects between a full merge run and a retest of a prior output.
// The security-policy asymmetry (strict for merge, lenient for retest) is
// fixed here.
type Mode int

const (
	ModeMerge Mode = iota
	ModeRetest
)

// DequeueBatch is how many candidates are pulled from the disk queue per
// probe round; it bounds resident memory while the queue provides
// backpressure.
const DequeueBatch = 256

// Options configures one run.
type Options struct {
	Mode        Mode
	SourcesPath string // merge: sources.txt
	InputPath   string // retest: prior proxies.json
	OutputDir   string
	DataDir     string // test_cache.db, queue.db, etags.db, GeoLite2-City.mmdb

	MaxWorkers   int
	Timeout      time.Duration
	MaxLatencyMS float64 // 0 = no cap
	Country      string  // ISO code filter, "" = all
	MaxProxies   int     // selection total target override, 0 = default
	Lenient      bool    // force lenient security policy in merge mode
	Deadline     time.Duration
	CacheTTL     time.Duration

	ProbeConfig *probe.Config // test hook; nil = derived from the fields above

	Logger *slog.Logger
}

// Orchestrator owns the run-scoped resources.
type Orchestrator struct {
	opts    Options
	log     *slog.Logger
	metrics *telemetry.Metrics

	reg     *registry.Registry
	etags   *etagstore.Store
	q       *queue.Queue
	cache   *cache.Cache
	dns     *dnscache.Resolver
	fetcher *fetch.Fetcher
	prober  *probe.Prober
	geo     *geoip.Enricher

	mu          sync.Mutex
	rejections  map[string][]emit.Rejection
	securityAll []emit.Rejection
	history     map[string]*model.HistoryEntry
}

// New builds an Orchestrator and opens its durable stores under
// opts.DataDir. Store open failures degrade: the cache and etag
// store become nil (no-op paths); the queue is required, since it carries
// the candidates themselves.
func New(opts Options) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, model.NewError(model.FailOutputIO, "create data dir", err)
	}

	o := &Orchestrator{
		opts:       opts,
		log:        opts.Logger,
		metrics:    telemetry.New(),
		reg:        registry.New(),
		dns:        dnscache.New(),
		rejections: make(map[string][]emit.Rejection),
		history:    make(map[string]*model.HistoryEntry),
	}

	q, err := queue.Open(filepath.Join(opts.DataDir, "queue.db"))
	if err != nil {
		return nil, err
	}
	o.q = q

	if c, err := cache.Open(filepath.Join(opts.DataDir, "test_cache.db"), 0); err != nil {
		o.log.Warn("test cache unavailable, probing without verdict cache", "error", err)
	} else {
		o.cache = c
		if opts.CacheTTL > 0 {
			c.SetTTLs(opts.CacheTTL, opts.CacheTTL/2)
		}
	}

	if s, err := etagstore.Open(filepath.Join(opts.DataDir, "etags.db")); err != nil {
		o.log.Warn("etag store unavailable, conditional GETs disabled", "error", err)
	} else {
		o.etags = s
	}

	o.fetcher = fetch.New(fetch.DefaultConfig(), o.dns)
	o.geo = geoip.Open(filepath.Join(opts.DataDir, "GeoLite2-City.mmdb"),
		filepath.Join(opts.DataDir, "GeoLite2-ASN.mmdb"), o.dns)

	pcfg := probe.DefaultConfig()
	if opts.ProbeConfig != nil {
		pcfg = *opts.ProbeConfig
	} else {
		if opts.MaxWorkers > 0 {
			pcfg.Workers = opts.MaxWorkers
			pcfg.HelperPoolCapacity = opts.MaxWorkers
		}
		if opts.Timeout > 0 {
			pcfg.Timeout = opts.Timeout
		}
	}
	o.prober = probe.New(pcfg, o.cache)
	return o, nil
}

// Close releases the durable stores and the GeoIP reader.
func (o *Orchestrator) Close() error {
	if o.q != nil {
		o.q.Close()
	}
	if o.cache != nil {
		o.cache.Close()
	}
	if o.etags != nil {
		o.etags.Close()
	}
	o.geo.Close()
	return nil
}

// policy returns the effective security policy for this run: strict for
// merge, lenient for retest, with --lenient able to soften a merge run.
func (o *Orchestrator) policy() security.Policy {
	if o.opts.Mode == ModeRetest || o.opts.Lenient {
		return security.Lenient
	}
	return security.Strict
}

// Run drives one full pipeline pass and returns the final RunReport. The
// run as a whole succeeds (nil error) whenever output emission succeeded,
// even with zero working proxies: an empty result with no fallback
// snapshot is a warning, not an error.
func (o *Orchestrator) Run(ctx context.Context) (*model.RunReport, error) {
	if o.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Deadline)
		defer cancel()
	}

	o.loadHistory()

	var allNotModified bool
	if o.opts.Mode == ModeRetest {
		if err := o.stageRetestInput(ctx); err != nil {
			return o.metrics.Report(), err
		}
	} else {
		var err error
		allNotModified, err = o.stageFetchParse(ctx)
		if err != nil {
			return o.metrics.Report(), err
		}
	}

	results, byFingerprint := o.stageProbe(ctx)
	proxies := o.stageEnrich(ctx, results, byFingerprint)
	chosen := o.stageSelect(proxies)

	report := o.metrics.Report()
	if err := o.stageEmit(proxies, chosen, report, allNotModified); err != nil {
		return report, err
	}
	return o.metrics.Report(), nil
}

// stageFetchParse fetches every registered source, parses the bodies and
// enqueues the unique, policy-admitted candidates. It reports whether every
// source came back 304 (in which case the previous snapshot is preserved
// downstream).
func (o *Orchestrator) stageFetchParse(ctx context.Context) (allNotModified bool, err error) {
	o.metrics.StartPhase("fetch")

	f, err := os.Open(o.opts.SourcesPath)
	if err != nil {
		return false, model.NewError(model.FailOutputIO, "open sources", err)
	}
	urls, err := registry.LoadLines(f)
	f.Close()
	if err != nil {
		return false, err
	}
	for _, u := range urls {
		if _, err := o.reg.Register(u); err != nil {
			o.log.Warn("skipping invalid source url", "url", u, "error", err)
		}
	}
	o.log.Info("sources registered", "count", o.reg.Len())

	type fetched struct {
		src         *model.Source
		body        string
		notModified bool
	}
	sources := o.reg.All()
	bodies := make([]fetched, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		o.loadValidators(ctx, src)
		wg.Add(1)
		go func(i int, src *model.Source) {
			defer wg.Done()
			res, err := o.fetcher.Fetch(ctx, src)
			if err != nil {
				o.reg.RecordFailure(src.URL, registry.DemoteAfter)
				o.recordFailure(err)
				o.log.Debug("fetch failed", "url", src.URL, "error", err)
				return
			}
			o.reg.RecordSuccess(src.URL)
			src.LastFetchAt = res.FetchedAt
			o.storeValidators(ctx, src, res)
			bodies[i] = fetched{src: src, body: string(res.Body), notModified: res.NotModified}
		}(i, src)
	}
	wg.Wait()
	o.metrics.EndPhase("fetch")

	o.metrics.StartPhase("parse")
	defer o.metrics.EndPhase("parse")

	sawBody := false
	allNotModified = true
	var admitted []*model.Candidate
	deduper := canonical.NewDeduper()
	for _, fb := range bodies {
		if fb.src == nil {
			allNotModified = false
			continue
		}
		if fb.notModified {
			continue
		}
		allNotModified = false
		if fb.body == "" {
			continue
		}
		sawBody = true
		candidates, lines := parse.ParseBodyStats(fb.body, fb.src.URL)
		if len(candidates) == 0 && strings.Contains(fb.body, "<table") {
			// HTML list page rather than a plain-text dump; re-scrape the
			// table rows into host:port lines.
			if rows, scrapeErr := fetch.FetchHTMLTable(fb.src.URL, "table tbody tr"); scrapeErr == nil && rows != "" {
				candidates, lines = parse.ParseBodyStats(rows, fb.src.URL)
			}
		}
		o.metrics.AddFetched(int64(lines))
		o.metrics.AddParsed(int64(len(candidates)))
		admitted = append(admitted, o.admit(candidates, deduper)...)
	}
	o.metrics.AddDuplicates(deduper.Duplicates())
	if !sawBody && len(bodies) > 0 && !allNotModified {
		o.metrics.Warn("no source produced a body")
	}

	o.metrics.AddUnique(int64(len(admitted)))
	if err := o.q.Enqueue(ctx, admitted); err != nil {
		return false, err
	}
	o.log.Info("candidates enqueued", "unique", len(admitted), "duplicates", deduper.Duplicates())
	return allNotModified, nil
}

// admit canonicalises, security-screens and dedupes candidates, routing
// strict-mode rejects into the rejected/ audit trail.
func (o *Orchestrator) admit(candidates []*model.Candidate, deduper *canonical.Deduper) []*model.Candidate {
	policy := o.policy()
	var out []*model.Candidate
	for _, c := range candidates {
		canonical.Canonicalize(c)
		keep := security.Apply(c, policy)
		if c.HasSecurityIssues() {
			o.recordSecurityIssues(c)
		}
		if !keep {
			o.recordFailureKind(model.FailSecurityReject)
			continue
		}
		if !deduper.Admit(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// stageRetestInput loads the prior proxies.json and feeds its raw URIs
// straight into the queue, skipping fetch.
func (o *Orchestrator) stageRetestInput(ctx context.Context) error {
	o.metrics.StartPhase("parse")
	defer o.metrics.EndPhase("parse")

	data, err := os.ReadFile(o.opts.InputPath)
	if err != nil {
		return model.NewError(model.FailOutputIO, "open retest input", err)
	}
	var entries []struct {
		RawURI string `json:"raw_uri"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return model.NewError(model.FailOutputIO, "decode retest input", err)
	}

	o.metrics.AddFetched(int64(len(entries)))
	deduper := canonical.NewDeduper()
	var parsed []*model.Candidate
	for _, e := range entries {
		if c, ok := parse.Dispatch(e.RawURI, o.opts.InputPath); ok {
			parsed = append(parsed, c)
		}
	}
	o.metrics.AddParsed(int64(len(parsed)))
	admitted := o.admit(parsed, deduper)
	o.metrics.AddDuplicates(deduper.Duplicates())
	o.metrics.AddUnique(int64(len(admitted)))
	o.log.Info("retest input loaded", "entries", len(entries), "unique", len(admitted))
	return o.q.Enqueue(ctx, admitted)
}

// stageProbe drains the disk queue in bounded batches through the worker
// pool, acking each candidate after its verdict is committed.
func (o *Orchestrator) stageProbe(ctx context.Context) ([]model.ProbeResult, map[string]*model.Candidate) {
	o.metrics.StartPhase("probe")
	defer o.metrics.EndPhase("probe")

	var all []model.ProbeResult
	byFingerprint := make(map[string]*model.Candidate)
	for {
		batch, err := o.q.Dequeue(ctx, DequeueBatch)
		if err != nil {
			o.recordFailure(err)
			break
		}
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			byFingerprint[c.Fingerprint] = c
		}

		results := o.prober.Run(ctx, batch)
		for i, r := range results {
			o.metrics.AddTested(1)
			if r.IsWorking {
				o.metrics.AddWorking(1)
			} else {
				o.recordProbeFailure(batch[i], r)
			}
			o.pushHistory(r)
			if err := o.q.Ack(ctx, r.Fingerprint); err != nil {
				o.recordFailure(err)
			}
			all = append(all, r)
		}
		if ctx.Err() != nil {
			break
		}
	}
	o.log.Info("probing complete", "tested", len(all))
	return all, byFingerprint
}

// stageEnrich joins working probe results back to their candidates,
// geo-tags them and computes health scores.
func (o *Orchestrator) stageEnrich(ctx context.Context, results []model.ProbeResult, byFingerprint map[string]*model.Candidate) []*model.EnrichedProxy {
	o.metrics.StartPhase("enrich")
	defer o.metrics.EndPhase("enrich")

	scoreCfg := o.scoreConfig()
	var out []*model.EnrichedProxy
	for _, r := range results {
		if !r.IsWorking {
			continue
		}
		c, ok := byFingerprint[r.Fingerprint]
		if !ok {
			continue
		}
		p := &model.EnrichedProxy{
			Candidate: *c,
			IsWorking: true,
			LatencyMS: r.LatencyMS,
		}
		o.geo.Enrich(ctx, p)

		rate := o.rollingRate(ctx, r.Fingerprint)
		p.HealthScore = scoreCfg.HealthScore(p, rate)

		o.metrics.RecordProtocol(p.Protocol)
		o.metrics.RecordCountry(p.CountryCode)
		out = append(out, p)
	}
	return out
}

// rollingRate prefers the cache's persistent success/total counters and
// falls back to the in-run history ring.
func (o *Orchestrator) rollingRate(ctx context.Context, fingerprint string) float64 {
	if o.cache != nil {
		if success, total, err := o.cache.Stats(ctx, fingerprint); err == nil && total > 0 {
			return float64(success) / float64(total)
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.history[fingerprint]; ok {
		return h.SuccessRate()
	}
	return 0
}

func (o *Orchestrator) scoreConfig() score.Config {
	cfg := score.DefaultConfig()
	if o.opts.MaxProxies > 0 {
		cfg.TotalTarget = o.opts.MaxProxies
	}
	return cfg
}

// stageSelect applies the operator filters (country, latency cap) and the
// top-K-per-protocol, fill-to-target selection.
func (o *Orchestrator) stageSelect(proxies []*model.EnrichedProxy) []*model.EnrichedProxy {
	o.metrics.StartPhase("select")
	defer o.metrics.EndPhase("select")

	filtered := proxies
	if o.opts.Country != "" || o.opts.MaxLatencyMS > 0 {
		filtered = nil
		for _, p := range proxies {
			if o.opts.Country != "" && !strings.EqualFold(p.CountryCode, o.opts.Country) {
				continue
			}
			if o.opts.MaxLatencyMS > 0 && p.LatencyMS > o.opts.MaxLatencyMS {
				continue
			}
			filtered = append(filtered, p)
		}
	}
	chosen := o.scoreConfig().Select(filtered)
	o.metrics.AddSelected(int64(len(chosen)))
	return chosen
}

// stageEmit writes the output artifact tree. The previous proxies.json is
// preserved instead of being overwritten only when a previous snapshot exists
// and either every source said 304 or a merge run tested no candidates; in
// every other case the artifacts are written, even when empty.
func (o *Orchestrator) stageEmit(proxies, chosen []*model.EnrichedProxy, report *model.RunReport, allNotModified bool) error {
	o.metrics.StartPhase("emit")
	defer o.metrics.EndPhase("emit")

	prevPath := filepath.Join(o.opts.OutputDir, "proxies.json")
	_, prevErr := os.Stat(prevPath)
	hasFallback := prevErr == nil

	if allNotModified && hasFallback {
		o.metrics.Warn("all sources returned 304; previous snapshot retained")
		o.log.Info("nothing modified upstream, keeping previous output")
		return nil
	}
	if len(proxies) == 0 {
		if o.opts.Mode == ModeMerge && hasFallback && report.Tested == 0 {
			o.metrics.Warn("no candidates tested; previous snapshot retained")
			return nil
		}
		if !hasFallback {
			o.metrics.Warn("empty result and no fallback snapshot")
		}
	}

	w, err := emit.New(o.opts.OutputDir)
	if err != nil {
		return err
	}
	o.mu.Lock()
	rejections := o.rejections
	securityAll := o.securityAll
	history := o.history
	o.mu.Unlock()
	return w.WriteAll(proxies, chosen, rejections, securityAll, history, report)
}

// loadValidators primes src's conditional-GET fields from the etag store.
func (o *Orchestrator) loadValidators(ctx context.Context, src *model.Source) {
	if o.etags == nil {
		return
	}
	if v, ok, err := o.etags.Get(ctx, src.URL); err == nil && ok {
		src.ETag = v.ETag
		src.LastModified = v.LastModified
		src.BodyDigest = v.BodyDigest
	}
}

// storeValidators persists the response validators and body digest after a
// successful fetch.
func (o *Orchestrator) storeValidators(ctx context.Context, src *model.Source, res *fetch.Result) {
	if o.etags == nil {
		return
	}
	digest := src.BodyDigest
	if !res.NotModified {
		sum := sha256.Sum256(res.Body)
		digest = hex.EncodeToString(sum[:])
	}
	src.BodyDigest = digest
	v := etagstore.Validator{
		ETag:         res.ETag,
		LastModified: res.LastModified,
		BodyDigest:   digest,
		LastFetchAt:  res.FetchedAt.Unix(),
	}
	if v.ETag == "" {
		v.ETag = src.ETag
	}
	if v.LastModified == "" {
		v.LastModified = src.LastModified
	}
	if err := o.etags.Put(ctx, src.URL, v); err != nil {
		o.recordFailure(err)
	}
}

func (o *Orchestrator) pushHistory(r model.ProbeResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.history[r.Fingerprint]
	if !ok {
		h = &model.HistoryEntry{Fingerprint: r.Fingerprint}
		o.history[r.Fingerprint] = h
	}
	h.Push(r)
}

// loadHistory seeds the per-fingerprint rings from the previous run's
// proxy_history.json, so the export stays a rolling window across runs.
func (o *Orchestrator) loadHistory() {
	data, err := os.ReadFile(filepath.Join(o.opts.OutputDir, "proxy_history.json"))
	if err != nil {
		return
	}
	var raw map[string][]model.ProbeResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for fp, results := range raw {
		h := &model.HistoryEntry{Fingerprint: fp}
		for _, r := range results {
			h.Push(r)
		}
		o.history[fp] = h
	}
}

func (o *Orchestrator) recordProbeFailure(c *model.Candidate, r model.ProbeResult) {
	kind := r.FailureKind
	if kind == "" {
		kind = model.FailProbeInvalid
	}
	o.recordFailureKind(kind)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejections[string(kind)] = append(o.rejections[string(kind)], emit.Rejection{
		Fingerprint: c.Fingerprint,
		Protocol:    c.Protocol,
		Host:        c.Host,
		Port:        c.Port,
		Category:    string(kind),
		SourceURL:   c.SourceURL,
	})
}

func (o *Orchestrator) recordSecurityIssues(c *model.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for cat, tags := range c.SecurityIssues {
		if len(tags) == 0 {
			continue
		}
		rej := emit.Rejection{
			Fingerprint: c.Fingerprint,
			Protocol:    c.Protocol,
			Host:        c.Host,
			Port:        c.Port,
			Category:    string(cat),
			Tags:        tags,
			SourceURL:   c.SourceURL,
		}
		o.rejections[string(cat)] = append(o.rejections[string(cat)], rej)
		o.securityAll = append(o.securityAll, rej)
	}
}

func (o *Orchestrator) recordFailure(err error) {
	var merr *model.Error
	if e, ok := err.(*model.Error); ok {
		merr = e
	}
	if merr != nil {
		o.metrics.RecordFailure(merr.Kind())
		return
	}
	o.metrics.RecordFailure(model.FailFetchTransport)
}

func (o *Orchestrator) recordFailureKind(kind model.FailureKind) {
	o.metrics.RecordFailure(kind)
}

// Metrics exposes the run's telemetry for --show-metrics dumps.
func (o *Orchestrator) Metrics() *telemetry.Metrics { return o.metrics }
