package parse

import (
	"strconv"
	"strings"

	"github.com/spectremesh/spectremerge/internal/model"
)

func init() { register("ssr", parseSSR) }

// parseSSR handles ssr://base64(host:port:protocol:method:obfs:base64(password)/?params),
// the ShadowsocksR share-link shape, a fully base64-wrapped colon-delimited
// record, unlike every other scheme here. Every parsed SSR candidate is
// flagged deprecated by the Security Validator.
func parseSSR(raw, sourceURL string) (*model.Candidate, bool) {
	payload := strings.TrimPrefix(raw, "ssr://")
	decoded := decodeB64Field(payload)
	if decoded == "" {
		return nil, false
	}

	main := decoded
	var query string
	if idx := strings.Index(decoded, "/?"); idx >= 0 {
		main = decoded[:idx]
		query = decoded[idx+2:]
	}

	parts := strings.SplitN(main, ":", 6)
	if len(parts) != 6 {
		return nil, false
	}
	host := parts[0]
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 || !validHost(host) {
		return nil, false
	}
	protocol, method, obfs := parts[2], parts[3], parts[4]
	password := decodeB64Field(parts[5])
	if password == "" {
		password = parts[5]
	}

	params := map[string]string{}
	for _, kv := range strings.Split(query, "&") {
		if k, v, ok := strings.Cut(kv, "="); ok {
			params[strings.ToLower(k)] = decodeB64Field(v)
		}
	}

	return &model.Candidate{
		Protocol: model.ProtoSSR,
		Host:     host,
		Port:     port,
		Auth:     []byte(password),
		TransportParams: map[string]string{
			"method":     strings.ToLower(method),
			"protocol":   protocol,
			"obfs":       obfs,
			"obfsparam":  params["obfsparam"],
			"protoparam": params["protoparam"],
		},
		Remarks:   params["remarks"],
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}
