package parse

import (
	"github.com/spectremesh/spectremerge/internal/model"
)

func init() { register("brook", parseBrook) }

// parseBrook handles brook://password@host:port?kind=..., the Brook proxy
// share-link shape (kind selects the brook/wsbrook/quicbrook transport
// variant, carried through untouched for the Prober helper to act on).
func parseBrook(raw, sourceURL string) (*model.Candidate, bool) {
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
		Protocol: model.ProtoBrook,
		Host:     host,
		Port:     port,
		Auth:     []byte(password),
		TransportParams: map[string]string{
			"kind": orDefault(q["kind"], "brook"),
		},
		Remarks:   remarksFromFragment(raw),
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}
