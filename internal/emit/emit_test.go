package emit

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spectremesh/spectremerge/internal/model"
)

func sample() []*model.EnrichedProxy {
	return []*model.EnrichedProxy{
		{
			Candidate: model.Candidate{
				Fingerprint: "fp-vmess", Protocol: model.ProtoVMess,
				Host: "a.example.com", Port: 443,
				Auth:   []byte("550e8400-e29b-41d4-a716-446655440000"),
				RawURI: "vmess://abc", SourceURL: "src",
				TransportParams: map[string]string{"network": "ws", "path": "/ray"},
				TLSParams:       map[string]string{"security": "tls", "sni": "a.example.com"},
			},
			CountryCode: "US", Country: "United States",
			IsWorking: true, LatencyMS: 120, HealthScore: 88,
		},
		{
			Candidate: model.Candidate{
				Fingerprint: "fp-socks", Protocol: model.ProtoSOCKS5,
				Host: "198.51.100.7", Port: 1080,
				RawURI: "socks5://198.51.100.7:1080", SourceURL: "src",
			},
			IsWorking: true, LatencyMS: 45, HealthScore: 70,
		},
	}
}

func TestWriteAll_ProducesArtifactTree(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)

	proxies := sample()
	history := map[string]*model.HistoryEntry{
		"fp-vmess": {Fingerprint: "fp-vmess", Results: []model.ProbeResult{
			{Fingerprint: "fp-vmess", IsWorking: true, TestedAt: time.Now()},
		}},
	}
	rejections := map[string][]Rejection{
		"probe_timeout": {{Fingerprint: "fp-dead", Protocol: model.ProtoTrojan, Host: "x", Port: 1, Category: "probe_timeout"}},
	}
	report := &model.RunReport{
		StartedAt: time.Now().Add(-time.Minute), FinishedAt: time.Now(),
		Fetched: 10, Parsed: 8, Unique: 6, Tested: 6, Working: 2, Selected: 2,
		PhaseDurations: map[string]time.Duration{"probe": 3 * time.Second},
	}
	require.NoError(t, w.WriteAll(proxies, proxies, rejections, nil, history, report))

	for _, f := range []string{
		"proxies.json", "chosen.json", "base64.txt",
		"clash.yaml", "singbox.json", "surge.conf", "quantumult.conf", "shadowrocket.txt",
		"by_protocol/vmess.json", "by_protocol/socks5.json",
		"by_country/us.json", "by_country/unknown.json",
		"rejected/probe_timeout.json", "rejected/all_security_issues.json",
		"statistics.json", "metadata.json", "summary.json", "metrics.json",
		"proxy_history.json", "proxy_history_viz.json",
	} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}
}

func TestWriteProxies_NeverEmitsRawAuth(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteProxies(sample()))

	data, err := os.ReadFile(filepath.Join(dir, "proxies.json"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "550e8400")
	require.Contains(t, string(data), `"has_auth": true`)
}

func TestWriteBase64_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteBase64(sample()))

	data, err := os.ReadFile(filepath.Join(dir, "base64.txt"))
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	lines := strings.Split(string(decoded), "\n")
	require.Equal(t, []string{"vmess://abc", "socks5://198.51.100.7:1080"}, lines)
}

func TestWriteChosen_EmptyIsValidJSONArray(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteChosen(nil))

	data, err := os.ReadFile(filepath.Join(dir, "chosen.json"))
	require.NoError(t, err)
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &arr))
	require.Empty(t, arr)
}

func TestWriteClash_SkipsUnsupportedProtocols(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)

	ssh := &model.EnrichedProxy{Candidate: model.Candidate{
		Fingerprint: "fp-ssh", Protocol: model.ProtoSSH, Host: "h", Port: 22,
	}}
	require.NoError(t, w.WriteClash([]*model.EnrichedProxy{ssh}))
	data, err := os.ReadFile(filepath.Join(dir, "clash.yaml"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "fp-ssh")
}

func TestProxyName_UniqueAcrossDuplicateRemarks(t *testing.T) {
	a := sample()[0]
	b := sample()[0]
	b.Fingerprint = "fp-other"
	a.Remarks, b.Remarks = "same", "same"
	require.NotEqual(t, proxyName(a), proxyName(b))
}
