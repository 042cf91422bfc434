package parse

import (
	"github.com/spectremesh/spectremerge/internal/model"
)

func init() {
	register("trojan", parseTrojan)
	register("trojan-go", parseTrojanGo)
}

func parseTrojan(raw, sourceURL string) (*model.Candidate, bool) {
	return parseTrojanFamily(raw, sourceURL, model.ProtoTrojan)
}

func parseTrojanGo(raw, sourceURL string) (*model.Candidate, bool) {
	return parseTrojanFamily(raw, sourceURL, model.ProtoTrojanGo)
}

// parseTrojanFamily handles trojan://password@host:port?params#remarks;
// trojan and trojan-go share the same wire share-link shape, differing
// only in the transport options their clients understand (trojan-go adds
// websocket/gRPC multiplexing via the same query keys).
func parseTrojanFamily(raw, sourceURL string, proto model.Protocol) (*model.Candidate, bool) {
	u, err := parseGenericURI(raw)
	if err != nil || u.Host == "" || u.User == nil {
		return nil, false
	}
	password := u.User.Username()
	if password == "" {
		return nil, false
	}
	host := u.Hostname()
	port, ok := validPort(u.Port())
	if !ok || !validHost(host) {
		return nil, false
	}
	q := queryParams(u)
	return &model.Candidate{
		Protocol: proto,
		Host:     host,
		Port:     port,
		Auth:     []byte(password),
		TransportParams: map[string]string{
			"network": orDefault(q["type"], "tcp"),
			"path":    q["path"],
			"host":    q["host"],
			"mux":     q["mux"],
		},
		TLSParams: map[string]string{
			"sni":            orDefault(q["sni"], host),
			"allow_insecure": q["allowinsecure"],
		},
		Remarks:   remarksFromFragment(raw),
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}
