// Package parse implements the parser set: one parser per protocol
// scheme, dispatched by a registry keyed on URI prefix, with a
// scheme-less heuristic fallback for bare JSON objects, scheme-less SSR
// base64 blobs and plain host:port lines.
package parse

import (
	"encoding/json"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/spectremesh/spectremerge/internal/model"
)

// MaxLineBytes and MaxLinesPerBody are the parser set's input bounds.
const (
	MaxLineBytes    = 8 * 1024
	MaxLinesPerBody = 50_000
)

// ParseFunc parses one line (already trimmed, already within MaxLineBytes)
// into a canonical Candidate. It never panics on malformed input; a parser
// that cannot make sense of raw returns ok=false (counted by the caller,
// never surfaced).
type ParseFunc func(raw, sourceURL string) (*model.Candidate, bool)

var registry = map[string]ParseFunc{}

func register(scheme string, fn ParseFunc) {
	registry[scheme] = fn
}

// Dispatch looks up raw's URI scheme in the registry and invokes the
// matching parser; if no scheme prefix matches, it falls back to the
// scheme-less heuristics (JSON object, SSR-style base64 blob, bare
// host:port).
func Dispatch(raw, sourceURL string) (*model.Candidate, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxLineBytes {
		return nil, false
	}

	if idx := strings.Index(raw, "://"); idx > 0 {
		scheme := strings.ToLower(raw[:idx])
		if fn, ok := registry[scheme]; ok {
			return fn(raw, sourceURL)
		}
	}

	return heuristic(raw, sourceURL)
}

// heuristic handles lines with no recognised scheme prefix: a bare JSON
// object (vmess-style config without the scheme), an SSR record that is
// base64-encoded without its ssr:// prefix, or a plain host:port pair.
func heuristic(raw, sourceURL string) (*model.Candidate, bool) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return parseVMessJSONObject(obj, raw, sourceURL)
		}
		return nil, false
	}
	if decoded, ok := maybeBase64Decode(trimmed); ok && strings.Count(decoded, ":") >= 5 {
		if c, ok := parseSSR("ssr://"+trimmed, sourceURL); ok {
			c.RawURI = raw
			return c, true
		}
	}
	return parseHostPort(trimmed, model.ProtoHTTP, raw, sourceURL)
}

// parseHostPort parses a bare "host:port" pair under the given default
// protocol tag.
func parseHostPort(line string, proto model.Protocol, raw, sourceURL string) (*model.Candidate, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return nil, false
	}
	port, ok := validPort(portStr)
	if !ok || host == "" {
		return nil, false
	}
	return &model.Candidate{
		Protocol:  proto,
		Host:      host,
		Port:      port,
		RawURI:    raw,
		SourceURL: sourceURL,
	}, true
}

func validPort(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return 0, false
	}
	return n, true
}

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func validUUID(s string) bool { return uuidRe.MatchString(s) }

// validHost reports whether host is a literal IP or an IDN-valid hostname
// (non-empty, no whitespace, no path separators).
func validHost(host string) bool {
	if host == "" || strings.ContainsAny(host, " /\\@") {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	_, err := idna.Lookup.ToASCII(host)
	return err == nil
}

// parseGenericURI parses most of the 20 schemes' common
// scheme://[user[:pass]@]host:port[?query][#fragment] shape via net/url,
// which already understands userinfo, query and fragment sections.
func parseGenericURI(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

// queryParams returns u's query values lower-cased by key for
// case-insensitive lookups across the many protocol variants.
func queryParams(u *url.URL) map[string]string {
	out := map[string]string{}
	for k, v := range u.Query() {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

// splitLines splits a fetched body into candidate lines, honouring
// MaxLinesPerBody. If the body looks like a single base64 blob (no
// scheme markers, no newlines) it is decoded first, the common shape for
// subscription-link bodies.
func splitLines(body string) []string {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if decoded, ok := maybeBase64Decode(body); ok {
		body = decoded
	}
	lines := strings.Split(body, "\n")
	if len(lines) > MaxLinesPerBody {
		lines = lines[:MaxLinesPerBody]
	}
	return lines
}

// ParseBody splits a fetched source body into lines and dispatches each
// through the parser registry in encounter order. It never aborts on a
// single bad line.
func ParseBody(body, sourceURL string) []*model.Candidate {
	out, _ := ParseBodyStats(body, sourceURL)
	return out
}

// ParseBodyStats is ParseBody plus the number of candidate lines considered,
// which feeds the RunReport's fetched >= parsed reconciliation.
func ParseBodyStats(body, sourceURL string) ([]*model.Candidate, int) {
	var out []*model.Candidate
	lines := 0
	for _, line := range splitLines(body) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines++
		if c, ok := Dispatch(line, sourceURL); ok {
			out = append(out, c)
		}
	}
	return out, lines
}
