// Package canonical normalises a Candidate's host/transport fields,
// assigns it a stable fingerprint, and deduplicates candidates within a
// run.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/idna"

	"github.com/spectremesh/spectremerge/internal/model"
)

// defaultPort returns the conventional port for a protocol, or 0 if the
// protocol has none, used to strip redundant :port suffixes.
func defaultPort(p model.Protocol) int {
	switch p {
	case model.ProtoHTTP:
		return 80
	case model.ProtoHTTPS:
		return 443
	case model.ProtoSSH:
		return 22
	default:
		return 0
	}
}

// NormalizeHost lowercases host and converts IDN labels to ASCII (punycode).
// Literal IP addresses pass through unchanged.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if ip := net.ParseIP(host); ip != nil {
		return host
	}
	ascii, err := idna.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

// Canonicalize normalises c's host and transport/TLS param maps in place
// and computes its Fingerprint. It does not mutate c.Port, c.Protocol or
// c.Auth (those are already validated by the parser that produced c).
func Canonicalize(c *model.Candidate) {
	c.Host = NormalizeHost(c.Host)
	c.TransportParams = normalizeParams(c.TransportParams)
	c.TLSParams = normalizeParams(c.TLSParams)
	c.Fingerprint = Fingerprint(c)
}

func normalizeParams(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

// criticalTransportKeys lists the transport/TLS fields that participate in
// the fingerprint because they change the effective network identity of a
// candidate (e.g. a websocket path or SNI), as opposed to purely cosmetic
// fields like "remarks".
var criticalTransportKeys = []string{"network", "path", "host", "sni", "security", "flow", "obfs", "alpn"}

// Fingerprint computes the stable digest identifying c for dedup and
// cache keys: protocol, normalised host, port, auth material, and
// critical transport fields. SHA-256 truncated to 128 bits.
func Fingerprint(c *model.Candidate) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", c.Protocol, NormalizeHost(c.Host), c.Port)
	h.Write(c.Auth)
	h.Write([]byte{'|'})

	keys := make([]string, 0, len(criticalTransportKeys))
	for _, k := range criticalTransportKeys {
		if v, ok := c.TransportParams[k]; ok && v != "" {
			keys = append(keys, k+"="+v)
		}
		if v, ok := c.TLSParams[k]; ok && v != "" {
			keys = append(keys, "tls."+k+"="+v)
		}
	}
	sort.Strings(keys)
	h.Write([]byte(strings.Join(keys, "&")))

	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]) // 128 bits
}

// StripDefaultPort returns host without its :port suffix if port is the
// protocol's conventional default.
func StripDefaultPort(host string, port, protoDefault int) string {
	if protoDefault != 0 && port == protoDefault {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Deduper guards fingerprint uniqueness within a single run. Collision
// policy is first-seen-wins; later duplicates only increment a counter.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	dupes int64
}

// NewDeduper returns an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Admit reports whether c's fingerprint is new (true) or a duplicate
// (false, and the internal duplicate counter is incremented).
func (d *Deduper) Admit(c *model.Candidate) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[c.Fingerprint]; dup {
		d.dupes++
		return false
	}
	d.seen[c.Fingerprint] = struct{}{}
	return true
}

// Duplicates returns the number of rejected duplicates observed so far.
func (d *Deduper) Duplicates() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dupes
}

// Unique returns the number of distinct fingerprints admitted so far.
func (d *Deduper) Unique() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.seen))
}
