// Package model holds the data records shared across the pipeline stages:
// Source, Candidate, ProbeResult, HistoryEntry, CacheEntry, EnrichedProxy
// and RunReport. None of these types carry behavior beyond small helpers;
// the stages that operate on them own the logic.
package model

import "time"

// Protocol enumerates the URI schemes the Parser Set understands.
type Protocol string

const (
	ProtoVMess     Protocol = "vmess"
	ProtoVLess     Protocol = "vless"
	ProtoSS        Protocol = "ss"
	ProtoSS2022    Protocol = "ss2022"
	ProtoSSR       Protocol = "ssr"
	ProtoTrojan    Protocol = "trojan"
	ProtoTrojanGo  Protocol = "trojan-go"
	ProtoHysteria  Protocol = "hysteria"
	ProtoHysteria2 Protocol = "hysteria2"
	ProtoTUIC      Protocol = "tuic"
	ProtoWireGuard Protocol = "wireguard"
	ProtoNaive     Protocol = "naive"
	ProtoSnell     Protocol = "snell"
	ProtoBrook     Protocol = "brook"
	ProtoJuicity   Protocol = "juicity"
	ProtoHTTP      Protocol = "http"
	ProtoHTTPS     Protocol = "https"
	ProtoSOCKS4    Protocol = "socks4"
	ProtoSOCKS5    Protocol = "socks5"
	ProtoSSH       Protocol = "ssh"
)

// DirectDialable reports whether the prober should use the direct strategy
// for this protocol, as opposed to spawning a helper terminator.
func (p Protocol) DirectDialable() bool {
	switch p {
	case ProtoHTTP, ProtoHTTPS, ProtoSOCKS4, ProtoSOCKS5:
		return true
	default:
		return false
	}
}

// SecurityCategory names one of the fixed Security Validator buckets.
type SecurityCategory string

const (
	CatWeakEncryption    SecurityCategory = "weak_encryption"
	CatInsecureTransport SecurityCategory = "insecure_transport"
	CatDangerousPort     SecurityCategory = "dangerous_port"
	CatSuspiciousDomain  SecurityCategory = "suspicious_domain"
	CatInvalidCert       SecurityCategory = "invalid_certificate"
	CatMissingAuth       SecurityCategory = "missing_auth"
	CatConfigError       SecurityCategory = "configuration_error"
	CatDeprecated        SecurityCategory = "deprecated_protocol"
)

// FailureKind enumerates the internal error taxonomy.
type FailureKind string

const (
	FailFetchTransport  FailureKind = "fetch_transport"
	FailFetchStatus     FailureKind = "fetch_status"
	FailFetchTooLarge   FailureKind = "fetch_too_large"
	FailFetchNotModFied FailureKind = "fetch_not_modified" // not an error
	FailParseInvalid    FailureKind = "parse_invalid"
	FailSecurityReject  FailureKind = "security_rejected"
	FailProbeTimeout    FailureKind = "probe_timeout"
	FailProbeRefused    FailureKind = "probe_refused"
	FailProbeTLS        FailureKind = "probe_tls"
	FailProbeHelper     FailureKind = "probe_helper"
	FailProbeBadStatus  FailureKind = "probe_bad_status"
	FailProbeInvalid    FailureKind = "invalid_response"
	FailCacheIO         FailureKind = "cache_io"
	FailGeoIPLookup     FailureKind = "geoip_lookup"
	FailOutputIO        FailureKind = "output_io"
)

// Error wraps a FailureKind with context, satisfying the error interface.
// Callers that need the taxonomy switch on Kind() instead of string
// matching.
type Error struct {
	FailureKind FailureKind
	Detail      string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.FailureKind) + ": " + e.Detail + ": " + e.Cause.Error()
	}
	return string(e.FailureKind) + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind returns the internal failure taxonomy value.
func (e *Error) Kind() FailureKind { return e.FailureKind }

// NewError constructs a taxonomy-tagged error.
func NewError(kind FailureKind, detail string, cause error) *Error {
	return &Error{FailureKind: kind, Detail: detail, Cause: cause}
}

// Source is a registered fetch target and its conditional-GET/health
// state. It is created on first registration and updated after every fetch;
// it is never destroyed within a single run.
type Source struct {
	URL                 string
	Host                string
	ETag                string
	LastModified        string
	BodyDigest          string
	LastFetchAt         time.Time
	ConsecutiveFailures int
	RollingSuccessRate  float64
	Demoted             bool
}

// Candidate is the canonical, pre-probe proxy record a parser produces.
// It is immutable after parse.
type Candidate struct {
	Fingerprint     string
	Protocol        Protocol
	Host            string
	Port            int
	Auth            []byte
	TransportParams map[string]string
	TLSParams       map[string]string
	Remarks         string
	RawURI          string
	SourceURL       string
	SecurityIssues  map[SecurityCategory][]string
	Details         map[string]string
}

// HasSecurityIssues reports whether any category carries at least one tag.
func (c *Candidate) HasSecurityIssues() bool {
	for _, tags := range c.SecurityIssues {
		if len(tags) > 0 {
			return true
		}
	}
	return false
}

// ProbeStrategy records which dial path produced a ProbeResult.
type ProbeStrategy string

const (
	StrategyDirect ProbeStrategy = "direct"
	StrategyHelper ProbeStrategy = "helper"
)

// ProbeResult is the outcome of one probe attempt against a Candidate.
type ProbeResult struct {
	Fingerprint string
	IsWorking   bool
	LatencyMS   float64
	TestedAt    time.Time
	Strategy    ProbeStrategy
	FailureKind FailureKind
}

// HistoryEntry is a bounded ring (at most 100) of ProbeResults for one
// fingerprint, used for health scoring and visualization export.
type HistoryEntry struct {
	Fingerprint string
	Results     []ProbeResult
}

const maxHistoryLen = 100

// Push appends r, evicting the oldest entry once the ring is full.
func (h *HistoryEntry) Push(r ProbeResult) {
	h.Results = append(h.Results, r)
	if len(h.Results) > maxHistoryLen {
		h.Results = h.Results[len(h.Results)-maxHistoryLen:]
	}
}

// SuccessRate returns successes/total over the retained ring, or 0 if empty.
func (h *HistoryEntry) SuccessRate() float64 {
	if len(h.Results) == 0 {
		return 0
	}
	ok := 0
	for _, r := range h.Results {
		if r.IsWorking {
			ok++
		}
	}
	return float64(ok) / float64(len(h.Results))
}

// CacheEntry is the test cache's stored verdict. Invariant:
// TotalCount >= SuccessCount >= 0.
type CacheEntry struct {
	Fingerprint  string
	LastResult   ProbeResult
	TestedAt     time.Time
	TTL          time.Duration
	SuccessCount int64
	TotalCount   int64
}

// Fresh reports whether the entry is still valid at time now.
func (c *CacheEntry) Fresh(now time.Time) bool {
	return now.Sub(c.TestedAt) < c.TTL
}

// EnrichedProxy is a Candidate augmented with geolocation and scoring.
type EnrichedProxy struct {
	Candidate
	CountryCode string
	Country     string
	City        string
	ASN         string
	IsWorking   bool
	LatencyMS   float64
	HealthScore float64
}

// RunReport aggregates counters, phase durations and distributions for
// one run. Invariant: Fetched >= Parsed >= Unique >= Tested >= Working >=
// Selected.
type RunReport struct {
	StartedAt  time.Time
	FinishedAt time.Time

	Fetched  int64
	Parsed   int64
	Unique   int64
	Tested   int64
	Working  int64
	Selected int64

	DuplicateCount int64

	PhaseDurations map[string]time.Duration

	PerProtocol map[Protocol]int64
	PerCountry  map[string]int64

	TopErrors []ErrorCount

	Warnings []string
}

// ErrorCount pairs a failure kind with its observed count, for RunReport's
// top-error list.
type ErrorCount struct {
	Kind  FailureKind
	Count int64
}

// Reconciles reports whether the RunReport's counters satisfy the ordering
// invariant fetched >= parsed >= unique >= tested >= working >= selected.
func (r *RunReport) Reconciles() bool {
	return r.Fetched >= r.Parsed &&
		r.Parsed >= r.Unique &&
		r.Unique >= r.Tested &&
		r.Tested >= r.Working &&
		r.Working >= r.Selected
}
