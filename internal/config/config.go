// Package config loads the environment variables recognised by the core
// pipeline. It is deliberately a thin os.Getenv reader: a handful of
// ambient scalars does not warrant a layered config framework.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the recognised environment variables with their defaults.
type Config struct {
	LogLevel          string        // LOG_LEVEL: DEBUG|INFO|WARN|ERROR
	TestTimeout       time.Duration // TEST_TIMEOUT seconds
	MaxWorkers        int           // MAX_WORKERS
	CacheTTL          time.Duration // CACHE_TTL_SECONDS
	MaxMindLicenseKey string        // MAXMIND_LICENSE_KEY
	MaskSensitiveData bool          // MASK_SENSITIVE_DATA, default true
}

// Default values.
const (
	DefaultTestTimeout = 6 * time.Second
	DefaultMaxWorkers  = 32
	DefaultCacheTTL    = 2 * time.Hour
)

// Load reads Config from the process environment, applying defaults for
// anything unset or unparsable.
func Load() Config {
	c := Config{
		LogLevel:          strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		TestTimeout:       getenvSeconds("TEST_TIMEOUT", DefaultTestTimeout),
		MaxWorkers:        getenvInt("MAX_WORKERS", DefaultMaxWorkers),
		CacheTTL:          getenvSeconds("CACHE_TTL_SECONDS", DefaultCacheTTL),
		MaxMindLicenseKey: os.Getenv("MAXMIND_LICENSE_KEY"),
		MaskSensitiveData: getenvBool("MASK_SENSITIVE_DATA", true),
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		c.LogLevel = "INFO"
	}
	if c.MaxWorkers < 1 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	return c
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
