// Package fetch implements the HTTP fetcher: conditional GETs honouring
// per-host concurrency and token-bucket rate limits, retry with backoff,
// and raw-body plus validator results.
package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/spectremesh/spectremerge/internal/dnscache"
	"github.com/spectremesh/spectremerge/internal/model"
)

// Fetcher defaults.
const (
	DefaultGlobalConcurrency = 100
	DefaultHostConcurrency   = 4
	DefaultHostRateHz        = 2.0
	DefaultHostBurst         = 4
	DefaultMaxRetries        = 3
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffFactor     = 2.0
	DefaultJitter            = 0.25
	DefaultConnectTimeout    = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	MaxCompressedBytes       = 5 * 1024 * 1024
	MaxDecodedBytes          = 10 * 1024 * 1024
	DefaultDemoteThreshold   = 5
	UserAgent                = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Result is the outcome of fetching one Source.
type Result struct {
	Body         []byte
	Status       int
	ETag         string
	LastModified string
	FetchedAt    time.Time
	NotModified  bool
}

// Config tunes the Fetcher's resource bounds.
type Config struct {
	GlobalConcurrency int
	HostConcurrency   int
	HostRateHz        float64
	HostBurst         int
	MaxRetries        int
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
}

// DefaultConfig returns the standard fetcher settings.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: DefaultGlobalConcurrency,
		HostConcurrency:   DefaultHostConcurrency,
		HostRateHz:        DefaultHostRateHz,
		HostBurst:         DefaultHostBurst,
		MaxRetries:        DefaultMaxRetries,
		ConnectTimeout:    DefaultConnectTimeout,
		ReadTimeout:       DefaultReadTimeout,
	}
}

type hostPolicy struct {
	limiter *rate.Limiter
	sem     chan struct{}
}

// Fetcher issues conditional GETs against registered sources, honouring
// global and per-host concurrency bounds and a per-host token bucket.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	dns     *dnscache.Resolver
	global  chan struct{}
	mu      sync.Mutex
	hosts   map[string]*hostPolicy
}

// New builds a Fetcher. dns may be shared with the GeoIP Enricher.
func New(cfg Config, dns *dnscache.Resolver) *Fetcher {
	if dns == nil {
		dns = dnscache.New()
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:                 nil,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       DefaultHostConcurrency * 3,
		MaxIdleConnsPerHost:   DefaultHostConcurrency,
		MaxIdleConns:          DefaultGlobalConcurrency,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, lookupErr := dns.Lookup(ctx, host)
			if lookupErr != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.ConnectTimeout + cfg.ReadTimeout},
		dns:    dns,
		global: make(chan struct{}, cfg.GlobalConcurrency),
		hosts:  make(map[string]*hostPolicy),
	}
}

func (f *Fetcher) policyFor(host string) *hostPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.hosts[host]
	if !ok {
		p = &hostPolicy{
			limiter: rate.NewLimiter(rate.Limit(f.cfg.HostRateHz), f.cfg.HostBurst),
			sem:     make(chan struct{}, f.cfg.HostConcurrency),
		}
		f.hosts[host] = p
	}
	return p
}

// Fetch issues a conditional GET against src, retrying transient
// failures. Both the per-host token bucket and the per-host and global
// concurrency semaphores must admit the request before it dispatches.
func (f *Fetcher) Fetch(ctx context.Context, src *model.Source) (*Result, error) {
	policy := f.policyFor(src.Host)

	if err := policy.limiter.Wait(ctx); err != nil {
		return nil, model.NewError(model.FailFetchTransport, "rate limiter wait", err)
	}

	select {
	case f.global <- struct{}{}:
		defer func() { <-f.global }()
	case <-ctx.Done():
		return nil, model.NewError(model.FailFetchTransport, "global concurrency wait", ctx.Err())
	}

	select {
	case policy.sem <- struct{}{}:
		defer func() { <-policy.sem }()
	case <-ctx.Done():
		return nil, model.NewError(model.FailFetchTransport, "host concurrency wait", ctx.Err())
	}

	return f.doWithRetry(ctx, src)
}

func (f *Fetcher) doWithRetry(ctx context.Context, src *model.Source) (*Result, error) {
	maxRetries := f.cfg.MaxRetries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		res, retryAfter, err := f.doOnce(ctx, src)
		if err == nil {
			return res, nil
		}
		lastErr = err

		// retryAfter conventions: -1 = non-retryable (any 4xx but 429),
		// >0 = 429 with an explicit wait, 0 = ordinary transient failure.
		if retryAfter < 0 {
			return nil, err
		}
		if retryAfter > 0 {
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// doOnce performs a single GET attempt. A positive retryAfter signals the
// caller should wait that long before the next attempt (429 handling), and
// -1 marks the failure as not retryable; err is nil exactly when res is
// usable.
func (f *Fetcher) doOnce(ctx context.Context, src *model.Source) (res *Result, retryAfter time.Duration, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout+f.cfg.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, 0, model.NewError(model.FailFetchTransport, "build request", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if src.ETag != "" {
		req.Header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		req.Header.Set("If-Modified-Since", src.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, model.NewError(model.FailFetchTransport, "do request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Result{
			Status:       resp.StatusCode,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    time.Now(),
			NotModified:  true,
		}, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		ra := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, ra, model.NewError(model.FailFetchStatus, fmt.Sprintf("status %d", resp.StatusCode), nil)

	case resp.StatusCode >= 500:
		return nil, 0, model.NewError(model.FailFetchStatus, fmt.Sprintf("status %d", resp.StatusCode), nil)

	case resp.StatusCode >= 400:
		// non-retryable per spec (any 4xx other than 429)
		return nil, -1, model.NewError(model.FailFetchStatus, fmt.Sprintf("status %d", resp.StatusCode), nil)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if cl := resp.ContentLength; cl > MaxCompressedBytes {
			return nil, -1, model.NewError(model.FailFetchTooLarge, "content-length exceeds cap", nil)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDecodedBytes+1))
		if err != nil {
			return nil, 0, model.NewError(model.FailFetchTransport, "read body", err)
		}
		if len(body) > MaxDecodedBytes {
			return nil, -1, model.NewError(model.FailFetchTooLarge, "decoded body exceeds cap", nil)
		}
		return &Result{
			Body:         body,
			Status:       resp.StatusCode,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    time.Now(),
		}, 0, nil

	default:
		return nil, -1, model.NewError(model.FailFetchStatus, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
}

// sleepBackoff waits base*factor^(attempt-1) with plus or minus 25% jitter.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := float64(DefaultBackoffBase) * pow(DefaultBackoffFactor, attempt-1)
	jitter := 1 + (rand.Float64()*2-1)*DefaultJitter
	wait := time.Duration(d * jitter)
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 1 * time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 1 * time.Second
}
