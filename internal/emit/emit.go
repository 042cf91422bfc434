// Package emit renders the run's output artifacts:
// the canonical proxies.json / chosen.json datasets, the base64
// subscription blob, per-client configuration formats (Clash YAML,
// SingBox JSON, Surge/Quantumult/Shadowrocket text), partitioned slices,
// the rejected/ audit tree and the run's statistics files. Output I/O
// errors are the one fatal error class in the pipeline, so every
// writer returns them instead of degrading.
package emit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spectremesh/spectremerge/internal/model"
)

// Writer renders artifacts under a single output directory.
type Writer struct {
	Dir string
}

// New returns a Writer rooted at dir, creating it if needed.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.NewError(model.FailOutputIO, "create output dir", err)
	}
	return &Writer{Dir: dir}, nil
}

// proxyJSON is the serialised shape of an EnrichedProxy in the JSON
// artifacts. Auth material is never emitted raw; only its presence is.
type proxyJSON struct {
	Fingerprint    string                              `json:"fingerprint"`
	Protocol       model.Protocol                      `json:"protocol"`
	Host           string                              `json:"host"`
	Port           int                                 `json:"port"`
	HasAuth        bool                                `json:"has_auth"`
	Remarks        string                              `json:"remarks,omitempty"`
	RawURI         string                              `json:"raw_uri"`
	SourceURL      string                              `json:"source_url"`
	SecurityIssues map[model.SecurityCategory][]string `json:"security_issues,omitempty"`
	CountryCode    string                              `json:"country_code,omitempty"`
	Country        string                              `json:"country,omitempty"`
	City           string                              `json:"city,omitempty"`
	ASN            string                              `json:"asn,omitempty"`
	IsWorking      bool                                `json:"is_working"`
	LatencyMS      float64                             `json:"latency_ms,omitempty"`
	HealthScore    float64                             `json:"health_score"`
}

func toProxyJSON(p *model.EnrichedProxy) proxyJSON {
	issues := p.SecurityIssues
	if len(issues) == 0 {
		issues = nil
	}
	return proxyJSON{
		Fingerprint:    p.Fingerprint,
		Protocol:       p.Protocol,
		Host:           p.Host,
		Port:           p.Port,
		HasAuth:        len(p.Auth) > 0,
		Remarks:        p.Remarks,
		RawURI:         p.RawURI,
		SourceURL:      p.SourceURL,
		SecurityIssues: issues,
		CountryCode:    p.CountryCode,
		Country:        p.Country,
		City:           p.City,
		ASN:            p.ASN,
		IsWorking:      p.IsWorking,
		LatencyMS:      p.LatencyMS,
		HealthScore:    p.HealthScore,
	}
}

func (w *Writer) writeJSON(relPath string, v any) error {
	path := filepath.Join(w.Dir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.NewError(model.FailOutputIO, "mkdir "+relPath, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return model.NewError(model.FailOutputIO, "marshal "+relPath, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return model.NewError(model.FailOutputIO, "write "+relPath, err)
	}
	return nil
}

func (w *Writer) writeText(relPath, body string) error {
	path := filepath.Join(w.Dir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return model.NewError(model.FailOutputIO, "mkdir "+relPath, err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return model.NewError(model.FailOutputIO, "write "+relPath, err)
	}
	return nil
}

// WriteProxies renders proxies.json, the canonical dataset.
func (w *Writer) WriteProxies(proxies []*model.EnrichedProxy) error {
	out := make([]proxyJSON, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, toProxyJSON(p))
	}
	return w.writeJSON("proxies.json", out)
}

// WriteChosen renders chosen.json, the curated subset.
func (w *Writer) WriteChosen(chosen []*model.EnrichedProxy) error {
	out := make([]proxyJSON, 0, len(chosen))
	for _, p := range chosen {
		out = append(out, toProxyJSON(p))
	}
	return w.writeJSON("chosen.json", out)
}

// WriteBase64 renders base64.txt: the newline-joined raw URIs of the
// canonical dataset, base64-encoded as a whole (the subscription-link
// convention the parsers also decode on the way in).
func (w *Writer) WriteBase64(proxies []*model.EnrichedProxy) error {
	uris := make([]string, 0, len(proxies))
	for _, p := range proxies {
		if p.RawURI != "" {
			uris = append(uris, p.RawURI)
		}
	}
	blob := base64.StdEncoding.EncodeToString([]byte(strings.Join(uris, "\n")))
	return w.writeText("base64.txt", blob+"\n")
}

// WriteByProtocol renders by_protocol/<proto>.json partitioned slices.
func (w *Writer) WriteByProtocol(proxies []*model.EnrichedProxy) error {
	parts := map[model.Protocol][]proxyJSON{}
	for _, p := range proxies {
		parts[p.Protocol] = append(parts[p.Protocol], toProxyJSON(p))
	}
	for proto, list := range parts {
		if err := w.writeJSON(filepath.Join("by_protocol", string(proto)+".json"), list); err != nil {
			return err
		}
	}
	return nil
}

// WriteByCountry renders by_country/<cc>.json partitioned slices; proxies
// with no country code are grouped under "unknown".
func (w *Writer) WriteByCountry(proxies []*model.EnrichedProxy) error {
	parts := map[string][]proxyJSON{}
	for _, p := range proxies {
		cc := strings.ToLower(p.CountryCode)
		if cc == "" {
			cc = "unknown"
		}
		parts[cc] = append(parts[cc], toProxyJSON(p))
	}
	for cc, list := range parts {
		if err := w.writeJSON(filepath.Join("by_country", cc+".json"), list); err != nil {
			return err
		}
	}
	return nil
}

// Rejection is one audit-trail entry under rejected/.
type Rejection struct {
	Fingerprint string         `json:"fingerprint"`
	Protocol    model.Protocol `json:"protocol"`
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	Category    string         `json:"category"`
	Tags        []string       `json:"tags,omitempty"`
	SourceURL   string         `json:"source_url,omitempty"`
}

// WriteRejections renders rejected/<category>.json per category (probe
// failure kinds and security categories alike) plus the aggregated
// rejected/all_security_issues.json.
func (w *Writer) WriteRejections(byCategory map[string][]Rejection, securityAll []Rejection) error {
	for category, list := range byCategory {
		if err := w.writeJSON(filepath.Join("rejected", category+".json"), list); err != nil {
			return err
		}
	}
	if securityAll == nil {
		securityAll = []Rejection{}
	}
	return w.writeJSON(filepath.Join("rejected", "all_security_issues.json"), securityAll)
}

// WriteHistory renders proxy_history.json (the raw bounded rings) and
// proxy_history_viz.json (a per-fingerprint success-timeline summary
// shaped for the dashboard's sparkline rendering).
func (w *Writer) WriteHistory(history map[string]*model.HistoryEntry) error {
	raw := make(map[string][]model.ProbeResult, len(history))
	type vizEntry struct {
		Fingerprint string    `json:"fingerprint"`
		SuccessRate float64   `json:"success_rate"`
		Samples     []int     `json:"samples"` // 1 = working, 0 = failed, oldest first
		LastTested  time.Time `json:"last_tested"`
	}
	viz := make([]vizEntry, 0, len(history))
	for fp, h := range history {
		raw[fp] = h.Results
		samples := make([]int, 0, len(h.Results))
		var last time.Time
		for _, r := range h.Results {
			v := 0
			if r.IsWorking {
				v = 1
			}
			samples = append(samples, v)
			if r.TestedAt.After(last) {
				last = r.TestedAt
			}
		}
		viz = append(viz, vizEntry{
			Fingerprint: fp,
			SuccessRate: h.SuccessRate(),
			Samples:     samples,
			LastTested:  last,
		})
	}
	sort.Slice(viz, func(i, j int) bool { return viz[i].Fingerprint < viz[j].Fingerprint })

	if err := w.writeJSON("proxy_history.json", raw); err != nil {
		return err
	}
	return w.writeJSON("proxy_history_viz.json", viz)
}

// WriteReports renders statistics.json, metadata.json, summary.json and
// metrics.json from the RunReport.
func (w *Writer) WriteReports(r *model.RunReport, chosen int) error {
	stats := map[string]any{
		"fetched":      r.Fetched,
		"parsed":       r.Parsed,
		"unique":       r.Unique,
		"tested":       r.Tested,
		"working":      r.Working,
		"selected":     r.Selected,
		"duplicates":   r.DuplicateCount,
		"per_protocol": r.PerProtocol,
		"per_country":  r.PerCountry,
	}
	if err := w.writeJSON("statistics.json", stats); err != nil {
		return err
	}

	meta := map[string]any{
		"started_at":       r.StartedAt.UTC().Format(time.RFC3339),
		"finished_at":      r.FinishedAt.UTC().Format(time.RFC3339),
		"duration_seconds": r.FinishedAt.Sub(r.StartedAt).Seconds(),
	}
	if err := w.writeJSON("metadata.json", meta); err != nil {
		return err
	}

	summary := map[string]any{
		"working":    r.Working,
		"chosen":     chosen,
		"warnings":   r.Warnings,
		"reconciles": r.Reconciles(),
	}
	if err := w.writeJSON("summary.json", summary); err != nil {
		return err
	}

	phases := make(map[string]float64, len(r.PhaseDurations))
	for name, d := range r.PhaseDurations {
		phases[name] = d.Seconds()
	}
	topErrors := make([]map[string]any, 0, len(r.TopErrors))
	for _, e := range r.TopErrors {
		topErrors = append(topErrors, map[string]any{"kind": e.Kind, "count": e.Count})
	}
	metrics := map[string]any{
		"phase_seconds": phases,
		"top_errors":    topErrors,
	}
	return w.writeJSON("metrics.json", metrics)
}

// WriteAll renders every artifact in one pass. The proxies slice is the
// canonical working+clean dataset; chosen is the curated subset.
func (w *Writer) WriteAll(
	proxies, chosen []*model.EnrichedProxy,
	rejections map[string][]Rejection,
	securityAll []Rejection,
	history map[string]*model.HistoryEntry,
	report *model.RunReport,
) error {
	steps := []func() error{
		func() error { return w.WriteProxies(proxies) },
		func() error { return w.WriteChosen(chosen) },
		func() error { return w.WriteBase64(proxies) },
		func() error { return w.WriteClash(proxies) },
		func() error { return w.WriteSingBox(proxies) },
		func() error { return w.WriteSurge(proxies) },
		func() error { return w.WriteQuantumult(proxies) },
		func() error { return w.WriteShadowrocket(proxies) },
		func() error { return w.WriteByProtocol(proxies) },
		func() error { return w.WriteByCountry(proxies) },
		func() error { return w.WriteRejections(rejections, securityAll) },
		func() error { return w.WriteHistory(history) },
		func() error { return w.WriteReports(report, len(chosen)) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// proxyName builds a stable display name for client configs: remarks if
// present, else protocol-host-port, suffixed with a fingerprint prefix so
// names stay unique across duplicate remarks.
func proxyName(p *model.EnrichedProxy) string {
	base := p.Remarks
	if base == "" {
		base = fmt.Sprintf("%s-%s-%d", p.Protocol, p.Host, p.Port)
	}
	suffix := p.Fingerprint
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return base + "-" + suffix
}
