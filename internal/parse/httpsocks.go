package parse

import (
	"github.com/spectremesh/spectremerge/internal/model"
)

func init() {
	register("http", parseHTTPProxy)
	register("https", parseHTTPSProxy)
	register("socks4", parseSOCKS4)
	register("socks5", parseSOCKS5)
	register("socks", parseSOCKS5)
}

func parseHTTPProxy(raw, sourceURL string) (*model.Candidate, bool) {
	return parseSimpleProxy(raw, sourceURL, model.ProtoHTTP)
}

func parseHTTPSProxy(raw, sourceURL string) (*model.Candidate, bool) {
	return parseSimpleProxy(raw, sourceURL, model.ProtoHTTPS)
}

func parseSOCKS4(raw, sourceURL string) (*model.Candidate, bool) {
	return parseSimpleProxy(raw, sourceURL, model.ProtoSOCKS4)
}

func parseSOCKS5(raw, sourceURL string) (*model.Candidate, bool) {
	return parseSimpleProxy(raw, sourceURL, model.ProtoSOCKS5)
}

// parseSimpleProxy handles the plain scheme://[user:pass@]host:port shape
// shared by HTTP(S) and SOCKS4/5 proxies, the bulk of what public
// proxy-list sources publish.
func parseSimpleProxy(raw, sourceURL string, proto model.Protocol) (*model.Candidate, bool) {
	u, err := parseGenericURI(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	host := u.Hostname()
	port, ok := validPort(u.Port())
	if !ok || !validHost(host) {
		return nil, false
	}
	var auth []byte
	if u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		if user != "" {
			auth = []byte(user + ":" + pass)
		}
	}
	return &model.Candidate{
		Protocol:  proto,
		Host:      host,
		Port:      port,
		Auth:      auth,
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}
