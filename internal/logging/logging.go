// Package logging wraps log/slog: a JSON handler with a configurable
// level and an injectable writer. It additionally supports
// MASK_SENSITIVE_DATA, redacting attribute keys that look like
// credentials before they reach the handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var sensitiveKeys = []string{"uuid", "password", "auth", "secret", "token", "key"}

// New returns a slog.Logger at the given level, writing JSON lines to out
// (stderr if nil). When mask is true, attributes whose key contains one of
// the sensitive substrings have their value replaced with "***".
func New(level string, out io.Writer, mask bool) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if mask {
		opts.ReplaceAttr = redact
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redact(groups []string, a slog.Attr) slog.Attr {
	lower := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			a.Value = slog.StringValue("***")
			return a
		}
	}
	return a
}
