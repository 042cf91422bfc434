package parse

import (
	"github.com/spectremesh/spectremerge/internal/model"
)

func init() { register("snell", parseSnell) }

// parseSnell handles snell://psk@host:port?version=...&obfs=..., the Surge
// ecosystem's Snell share-link shape.
func parseSnell(raw, sourceURL string) (*model.Candidate, bool) {
	u, err := parseGenericURI(raw)
	if err != nil || u.Host == "" || u.User == nil {
		return nil, false
	}
	psk := u.User.Username()
	if psk == "" {
		return nil, false
	}
	host := u.Hostname()
	port, ok := validPort(u.Port())
	if !ok || !validHost(host) {
		return nil, false
	}
	q := queryParams(u)
	return &model.Candidate{
		Protocol: model.ProtoSnell,
		Host:     host,
		Port:     port,
		Auth:     []byte(psk),
		TransportParams: map[string]string{
			"version":   orDefault(q["version"], "4"),
			"obfs":      q["obfs"],
			"obfs-host": q["obfs-host"],
		},
		Remarks:   remarksFromFragment(raw),
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}
