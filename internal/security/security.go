// Package security categorises security issues on a canonical Candidate:
// a pure classification pass with no side effects.
package security

import (
	"strings"

	"github.com/spectremesh/spectremerge/internal/model"
)

// Policy selects strict (discard flagged candidates) or lenient
// (tag-and-keep) handling.
type Policy int

const (
	Strict Policy = iota
	Lenient
)

var dangerousPorts = map[int]bool{
	22: true, 23: true, 25: true, 135: true, 137: true, 138: true, 139: true,
	445: true, 3389: true, 5900: true,
}

var weakEncryptionMethods = map[string]bool{
	"none": true, "plain": true, "rc4": true, "rc4-md5": true, "table": true,
	"des-cfb": true, "bf-cfb": true,
}

var deprecatedProtocols = map[model.Protocol]bool{
	model.ProtoSSR: true,
}

var suspiciousTLDs = map[string]bool{
	"xyz": true, "top": true, "zip": true, "gq": true, "tk": true,
}

// Evaluate classifies c, returning the per-category tag mapping. It never
// mutates c.
func Evaluate(c *model.Candidate) map[model.SecurityCategory][]string {
	issues := map[model.SecurityCategory][]string{}

	add := func(cat model.SecurityCategory, tag string) {
		issues[cat] = append(issues[cat], tag)
	}

	if c.Port <= 0 || c.Port > 65535 {
		add(model.CatConfigError, "port_out_of_range")
	}
	if dangerousPorts[c.Port] {
		add(model.CatDangerousPort, "well_known_sensitive_port")
	}

	if len(c.Auth) == 0 && requiresAuth(c.Protocol) {
		add(model.CatMissingAuth, "no_credentials")
	}

	if method, ok := c.TransportParams["method"]; ok && weakEncryptionMethods[strings.ToLower(method)] {
		add(model.CatWeakEncryption, strings.ToLower(method))
	}
	if enc, ok := c.TransportParams["encryption"]; ok && strings.EqualFold(enc, "none") {
		add(model.CatWeakEncryption, "encryption_none")
	}

	if c.Protocol == model.ProtoHTTP {
		add(model.CatInsecureTransport, "plaintext_http")
	}
	if v, ok := c.TLSParams["allow_insecure"]; ok && strings.EqualFold(v, "true") {
		add(model.CatInvalidCert, "insecure_skip_verify")
	}
	if v, ok := c.TLSParams["insecure"]; ok && strings.EqualFold(v, "1") {
		add(model.CatInvalidCert, "insecure_skip_verify")
	}

	if deprecatedProtocols[c.Protocol] {
		add(model.CatDeprecated, string(c.Protocol))
	}

	if tld := hostTLD(c.Host); suspiciousTLDs[tld] {
		add(model.CatSuspiciousDomain, "tld:"+tld)
	}

	return issues
}

// requiresAuth reports whether protocol p must carry non-empty auth
// material to be considered well-formed.
func requiresAuth(p model.Protocol) bool {
	switch p {
	case model.ProtoHTTP, model.ProtoHTTPS, model.ProtoSOCKS4, model.ProtoSOCKS5:
		return false
	default:
		return true
	}
}

func hostTLD(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return ""
	}
	return strings.ToLower(parts[len(parts)-1])
}

// Apply runs Evaluate and reports whether c is kept: under Strict policy it
// returns false when any issue was found. Under Lenient policy c is always kept,
// tagged with whatever issues were found.
func Apply(c *model.Candidate, policy Policy) (keep bool) {
	c.SecurityIssues = Evaluate(c)
	if policy == Strict && c.HasSecurityIssues() {
		return false
	}
	return true
}
