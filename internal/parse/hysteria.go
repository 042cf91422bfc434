package parse

import (
	"github.com/spectremesh/spectremerge/internal/model"
)

func init() {
	register("hysteria", parseHysteria)
	register("hysteria2", parseHysteria2)
	register("hy2", parseHysteria2)
}

// parseHysteria handles hysteria://host:port?auth=...&params, the QUIC-based
// v1 share-link shape (auth goes in the query string, not userinfo).
func parseHysteria(raw, sourceURL string) (*model.Candidate, bool) {
	u, err := parseGenericURI(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	host := u.Hostname()
	port, ok := validPort(u.Port())
	if !ok || !validHost(host) {
		return nil, false
	}
	q := queryParams(u)
	return &model.Candidate{
		Protocol: model.ProtoHysteria,
		Host:     host,
		Port:     port,
		Auth:     []byte(q["auth"]),
		TransportParams: map[string]string{
			"protocol": q["protocol"],
			"upmbps":   q["upmbps"],
			"downmbps": q["downmbps"],
			"obfs":     q["obfs"],
		},
		TLSParams: map[string]string{
			"sni":            orDefault(q["peer"], host),
			"allow_insecure": q["insecure"],
		},
		Remarks:   remarksFromFragment(raw),
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}

// parseHysteria2 handles hysteria2://password@host:port?params#remarks;
// v2 moved auth into userinfo, matching the trojan/vless share-link shape.
func parseHysteria2(raw, sourceURL string) (*model.Candidate, bool) {
	u, err := parseGenericURI(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	host := u.Hostname()
	port, ok := validPort(u.Port())
	if !ok || !validHost(host) {
		return nil, false
	}
	var password string
	if u.User != nil {
		password = u.User.Username()
	}
	q := queryParams(u)
	return &model.Candidate{
		Protocol: model.ProtoHysteria2,
		Host:     host,
		Port:     port,
		Auth:     []byte(password),
		TransportParams: map[string]string{
			"obfs":     q["obfs"],
			"obfs-pwd": q["obfs-password"],
		},
		TLSParams: map[string]string{
			"sni":            orDefault(q["sni"], host),
			"allow_insecure": q["insecure"],
		},
		Remarks:   remarksFromFragment(raw),
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}
