package parse

import (
	"strings"

	"github.com/spectremesh/spectremerge/internal/model"
)

func init() { register("vless", parseVLess) }

// parseVLess handles vless://uuid@host:port?params#remarks, the standard
// v2rayN/Xray share-link shape: userinfo carries the UUID, query carries
// transport/TLS parameters.
func parseVLess(raw, sourceURL string) (*model.Candidate, bool) {
	u, err := parseGenericURI(raw)
	if err != nil || u.Host == "" || u.User == nil {
		return nil, false
	}
	uuid := u.User.Username()
	if !validUUID(uuid) {
		return nil, false
	}
	host := u.Hostname()
	port, ok := validPort(u.Port())
	if !ok || !validHost(host) {
		return nil, false
	}
	q := queryParams(u)
	return &model.Candidate{
		Protocol: model.ProtoVLess,
		Host:     host,
		Port:     port,
		Auth:     []byte(uuid),
		TransportParams: map[string]string{
			"network":     orDefault(q["type"], "tcp"),
			"flow":        q["flow"],
			"path":        q["path"],
			"host":        q["host"],
			"serviceName": q["servicename"],
		},
		TLSParams: map[string]string{
			"security": q["security"],
			"sni":      q["sni"],
			"fp":       q["fp"],
			"alpn":     q["alpn"],
		},
		Remarks:   remarksFromFragment(raw),
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}

// remarksFromFragment extracts and URL-unescapes the "#remarks" suffix
// common to all share-link schemes, without requiring a full url.Parse
// round-trip at call sites that already have one.
func remarksFromFragment(raw string) string {
	idx := strings.IndexByte(raw, '#')
	if idx < 0 {
		return ""
	}
	if u, err := parseGenericURI(raw); err == nil {
		return u.Fragment
	}
	return raw[idx+1:]
}
