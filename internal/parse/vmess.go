package parse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spectremesh/spectremerge/internal/model"
)

func init() { register("vmess", parseVMess) }

// vmessConfig mirrors the de facto vmess:// JSON payload fields (v2rayN
// style): v, ps (remarks), add (host), port, id (uuid), aid (alterId),
// net (transport), type, host, path, tls, sni.
type vmessConfig struct {
	V    any    `json:"v"`
	PS   string `json:"ps"`
	Add  string `json:"add"`
	Port any    `json:"port"`
	ID   string `json:"id"`
	Aid  any    `json:"aid"`
	Net  string `json:"net"`
	Type string `json:"type"`
	Host string `json:"host"`
	Path string `json:"path"`
	TLS  string `json:"tls"`
	SNI  string `json:"sni"`
}

func parseVMess(raw, sourceURL string) (*model.Candidate, bool) {
	payload := strings.TrimPrefix(raw, "vmess://")
	if idx := strings.IndexAny(payload, "#"); idx >= 0 {
		payload = payload[:idx]
	}
	decoded := decodeB64Field(payload)
	if decoded == "" {
		return nil, false
	}
	var cfg vmessConfig
	if err := json.Unmarshal([]byte(decoded), &cfg); err != nil {
		return nil, false
	}
	return buildVMessCandidate(cfg, raw, sourceURL)
}

// parseVMessJSONObject handles the scheme-less heuristic case: a bare JSON
// object (no "vmess://" prefix, no base64 wrapper) with the same field
// shape.
func parseVMessJSONObject(obj map[string]any, raw, sourceURL string) (*model.Candidate, bool) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	var cfg vmessConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, false
	}
	return buildVMessCandidate(cfg, raw, sourceURL)
}

func buildVMessCandidate(cfg vmessConfig, raw, sourceURL string) (*model.Candidate, bool) {
	if cfg.Add == "" || !validHost(cfg.Add) || !validUUID(cfg.ID) {
		return nil, false
	}
	port, ok := coercePort(cfg.Port)
	if !ok {
		return nil, false
	}
	return &model.Candidate{
		Protocol: model.ProtoVMess,
		Host:     cfg.Add,
		Port:     port,
		Auth:     []byte(cfg.ID),
		TransportParams: map[string]string{
			"network": orDefault(cfg.Net, "tcp"),
			"type":    cfg.Type,
			"host":    cfg.Host,
			"path":    cfg.Path,
			"aid":     fmt.Sprintf("%v", cfg.Aid),
		},
		TLSParams: map[string]string{
			"security": cfg.TLS,
			"sni":      orDefault(cfg.SNI, cfg.Host),
		},
		Remarks:   cfg.PS,
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}

func coercePort(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 || t > 65535 {
			return 0, false
		}
		return int(t), true
	case string:
		return validPort(t)
	default:
		return 0, false
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
