// Package probe implements the prober: a bounded worker pool that tests
// each Candidate via either a direct dial (HTTP/HTTPS/SOCKS4/SOCKS5) or
// an in-process helper terminator (every other protocol), consulting the
// test cache first and classifying failures into the fixed taxonomy.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/spectremesh/spectremerge/internal/cache"
	"github.com/spectremesh/spectremerge/internal/model"
	"github.com/spectremesh/spectremerge/internal/probe/helper"
)

const (
	// DefaultTimeout applies in full to the first liveness URL; later URLs
	// in the chain get progressively less.
	DefaultTimeout  = 6 * time.Second
	minChainTimeout = 3 * time.Second

	minWorkers = 8
	maxWorkers = 32
)

// DefaultLivenessURLs is the ordered list of generic 204/200 responders
// probed in sequence; all advertise cache-control no-store.
var DefaultLivenessURLs = []string{
	"http://www.gstatic.com/generate_204",
	"http://connectivitycheck.gstatic.com/generate_204",
	"http://cp.cloudflare.com/generate_204",
}

// AdaptiveWorkers returns the pool degree: between minWorkers and
// maxWorkers based on host CPU count, fixed for the run's lifetime.
func AdaptiveWorkers() int {
	w := runtime.NumCPU() * 4
	if w < minWorkers {
		return minWorkers
	}
	if w > maxWorkers {
		return maxWorkers
	}
	return w
}

// Config tunes the Prober's behavior.
type Config struct {
	Workers            int
	Timeout            time.Duration
	LivenessURLs       []string
	HelperFallback     bool // retry once via helper after a direct-strategy failure
	HelperPoolCapacity int
}

// DefaultConfig returns the standard prober settings.
func DefaultConfig() Config {
	return Config{
		Workers:            AdaptiveWorkers(),
		Timeout:            DefaultTimeout,
		LivenessURLs:       DefaultLivenessURLs,
		HelperFallback:     true,
		HelperPoolCapacity: AdaptiveWorkers(),
	}
}

// Prober runs the bounded probing worker pool.
type Prober struct {
	cfg    Config
	cache  *cache.Cache
	helper *helper.Pool
}

// New builds a Prober against the given cache, using cfg (zero value
// resolves to DefaultConfig()).
func New(cfg Config, c *cache.Cache) *Prober {
	if cfg.Workers <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.HelperPoolCapacity <= 0 {
		cfg.HelperPoolCapacity = cfg.Workers
	}
	return &Prober{cfg: cfg, cache: c, helper: helper.NewPool(cfg.HelperPoolCapacity)}
}

// Run probes every candidate with W-bounded concurrency, returning one
// ProbeResult per input in input order (results[i] belongs to candidates[i]).
// Results are committed to the cache before being returned.
func (p *Prober) Run(ctx context.Context, candidates []*model.Candidate) []model.ProbeResult {
	results := make([]model.ProbeResult, len(candidates))
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup

	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c *model.Candidate) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = model.ProbeResult{Fingerprint: c.Fingerprint, TestedAt: time.Now(), FailureKind: model.FailProbeTimeout}
				return
			}
			defer func() { <-sem }()
			results[i] = p.probeOne(ctx, c)
		}(i, c)
	}
	wg.Wait()
	return results
}

// probeOne implements the per-Candidate workflow: cache lookup,
// strategy selection, liveness chain, classification, optional helper
// fallback, cache commit.
func (p *Prober) probeOne(ctx context.Context, c *model.Candidate) model.ProbeResult {
	if p.cache != nil {
		if entry, ok, err := p.cache.Get(ctx, c.Fingerprint); err == nil && ok {
			return entry.LastResult
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*p.cfg.Timeout)
	defer cancel()

	var result model.ProbeResult
	if c.Protocol.DirectDialable() {
		result = p.probeDirect(probeCtx, c)
		if !result.IsWorking && p.cfg.HelperFallback {
			result = p.probeHelper(probeCtx, c)
		}
	} else {
		result = p.probeHelper(probeCtx, c)
	}

	if p.cache != nil && ctx.Err() == nil {
		if err := p.cache.Put(ctx, c.Fingerprint, result); err != nil && !result.IsWorking {
			result.FailureKind = model.FailCacheIO
		}
	}
	return result
}

// probeDirect dials c with net.Dialer/tls.Dialer; HTTPS liveness probes
// present a Chrome ClientHello via refraction-networking/utls rather than
// Go's default fingerprint.
func (p *Prober) probeDirect(ctx context.Context, c *model.Candidate) model.ProbeResult {
	client := p.directClient(c)
	return p.livenessChain(ctx, c, model.StrategyDirect, client)
}

// probeHelper leases an in-process terminator and issues the liveness
// chain through its loopback SOCKS5 endpoint.
func (p *Prober) probeHelper(ctx context.Context, c *model.Candidate) model.ProbeResult {
	h, err := p.helper.Acquire(ctx, c)
	if err != nil {
		return model.ProbeResult{
			Fingerprint: c.Fingerprint,
			TestedAt:    time.Now(),
			Strategy:    model.StrategyHelper,
			FailureKind: model.FailProbeHelper,
		}
	}
	defer h.Close()

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(h.ProxyURL())},
	}
	return p.livenessChain(ctx, c, model.StrategyHelper, client)
}

// directClient returns an *http.Client that dials c.Host:c.Port directly;
// TLS legs use utls's Chrome ClientHello.
func (p *Prober) directClient(c *model.Candidate) *http.Client {
	dialer := &net.Dialer{}
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
			DialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				raw, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				uconn := utls.UClient(raw, &utls.Config{ServerName: c.Host}, utls.HelloChrome_Auto)
				if err := uconn.HandshakeContext(ctx); err != nil {
					raw.Close()
					return nil, err
				}
				return uconn, nil
			},
		},
	}
}

// livenessChain walks the configured LivenessURLs in order, using a decreasing
// per-URL timeout (T, T-1s, ... min 3s), stopping at the first 2xx/204
// response.
func (p *Prober) livenessChain(ctx context.Context, c *model.Candidate, strategy model.ProbeStrategy, client *http.Client) model.ProbeResult {
	urls := p.cfg.LivenessURLs
	timeout := p.cfg.Timeout

	var lastKind model.FailureKind = model.FailProbeTimeout
	for i, url := range urls {
		urlTimeout := timeout - time.Duration(i)*time.Second
		if urlTimeout < minChainTimeout {
			urlTimeout = minChainTimeout
		}
		reqCtx, cancel := context.WithTimeout(ctx, urlTimeout)
		start := time.Now()
		ok, kind := p.attempt(reqCtx, client, url)
		latency := time.Since(start)
		cancel()

		if ok {
			return model.ProbeResult{
				Fingerprint: c.Fingerprint,
				IsWorking:   true,
				LatencyMS:   float64(latency.Microseconds()) / 1000.0,
				TestedAt:    time.Now(),
				Strategy:    strategy,
			}
		}
		lastKind = kind
	}

	return model.ProbeResult{
		Fingerprint: c.Fingerprint,
		IsWorking:   false,
		TestedAt:    time.Now(),
		Strategy:    strategy,
		FailureKind: lastKind,
	}
}

func (p *Prober) attempt(ctx context.Context, client *http.Client, url string) (bool, model.FailureKind) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, model.FailProbeInvalid
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := client.Do(req)
	if err != nil {
		return false, classifyDialErr(err, ctx)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return true, ""
	}
	if resp.StatusCode >= 400 {
		return false, model.FailProbeBadStatus
	}
	return false, model.FailProbeInvalid
}

// classifyDialErr maps a transport error onto the probe failure taxonomy.
// http.Client wraps dial errors in *url.Error, so matching goes through
// errors.As rather than direct type assertions.
func classifyDialErr(err error, ctx context.Context) model.FailureKind {
	if ctx.Err() != nil {
		return model.FailProbeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailProbeTimeout
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return model.FailProbeTLS
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return model.FailProbeTLS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return model.FailProbeRefused
	}
	return model.FailProbeInvalid
}
