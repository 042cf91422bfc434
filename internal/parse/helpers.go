package parse

import (
	"encoding/base64"
	"strings"
)

// maybeBase64Decode decodes s as standard or URL-safe base64 (with or
// without padding) when it looks like a base64 blob (no newlines, only
// base64 alphabet characters, length a multiple of 4 once padded). Returns
// ok=false for anything that doesn't decode cleanly, so callers can fall
// back to treating s as plain text.
func maybeBase64Decode(s string) (string, bool) {
	if strings.ContainsAny(s, "\n\r") {
		return "", false
	}
	if !looksBase64(s) {
		return "", false
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil && isMostlyPrintable(b) {
			return string(b), true
		}
	}
	return "", false
}

func looksBase64(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '-' || r == '_' || r == '=':
		default:
			return false
		}
	}
	return true
}

func isMostlyPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c >= 0x20 && c < 0x7f || c == '\n' || c == '\t' {
			printable++
		}
	}
	return float64(printable)/float64(len(b)) > 0.85
}

// decodeB64Field decodes a single base64 field (userinfo-style), trying
// both padded and unpadded standard alphabets, returning "" on failure.
func decodeB64Field(s string) string {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b)
		}
	}
	return ""
}
