package parse

import (
	"strings"

	"github.com/spectremesh/spectremerge/internal/model"
)

func init() {
	register("ss", parseSS)
	register("ss2022", parseSS2022)
}

// parseSS handles both ss:// link shapes: the legacy
// ss://base64(method:password)@host:port#remarks and the newer SIP002
// ss://base64(method:password)@host:port form with the same userinfo
// encoding but parsed via net/url directly.
func parseSS(raw, sourceURL string) (*model.Candidate, bool) {
	return parseShadowsocksFamily(raw, sourceURL, model.ProtoSS)
}

func parseSS2022(raw, sourceURL string) (*model.Candidate, bool) {
	return parseShadowsocksFamily(raw, sourceURL, model.ProtoSS2022)
}

func parseShadowsocksFamily(raw, sourceURL string, proto model.Protocol) (*model.Candidate, bool) {
	u, err := parseGenericURI(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	host := u.Hostname()
	port, ok := validPort(u.Port())
	if !ok || !validHost(host) {
		return nil, false
	}

	var method, password string
	if u.User != nil {
		userinfo := u.User.String()
		if decoded := decodeB64Field(userinfo); decoded != "" && strings.Contains(decoded, ":") {
			parts := strings.SplitN(decoded, ":", 2)
			method, password = parts[0], parts[1]
		} else if pw, set := u.User.Password(); set {
			method, password = u.User.Username(), pw
		} else if strings.Contains(userinfo, ":") {
			parts := strings.SplitN(userinfo, ":", 2)
			method, password = parts[0], parts[1]
		}
	}
	if method == "" {
		return nil, false
	}

	q := queryParams(u)
	return &model.Candidate{
		Protocol: proto,
		Host:     host,
		Port:     port,
		Auth:     []byte(password),
		TransportParams: map[string]string{
			"method": strings.ToLower(method),
			"plugin": q["plugin"],
		},
		Remarks:   remarksFromFragment(raw),
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}
