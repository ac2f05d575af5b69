package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConsumerSpec describes one downstream consumer as resolved from the
// environment. A spec with an empty URL is skipped by the registry.
type ConsumerSpec struct {
	Key      string
	Label    string
	URL      string
	Token    string
	AuthKind string // "bearer" or "x-auth"
}

// consumerDef is the static wiring for a consumer: which env vars feed it
// and how it authenticates. The set is fixed for the process lifetime.
type consumerDef struct {
	key           string
	label         string
	prefix        string
	authKind      string
	eventsTokenOK bool // <PREFIX>_EVENTS_TOKEN accepted as fallback
}

var consumerDefs = []consumerDef{
	{key: "heimgeist", label: "Heimgeist", prefix: "HEIMGEIST", authKind: "bearer", eventsTokenOK: true},
	{key: "semantah", label: "semantAH", prefix: "SEMANTAH", authKind: "bearer"},
	{key: "chronik", label: "Chronik", prefix: "CHRONIK", authKind: "x-auth"},
	{key: "archivar", label: "Archivar", prefix: "ARCHIVAR", authKind: "bearer", eventsTokenOK: true},
}

// Config holds all router configuration values.
type Config struct {
	Host string
	Port int
	Env  string

	DataDir          string
	RetryConcurrency int
	RetryBatchSize   int

	RequestTimeout time.Duration
	DrainTimeout   time.Duration
	MaxBodyBytes   int64

	DebugEndpoints bool

	Consumers []ConsumerSpec
}

// Load reads configuration from environment variables with defaults applied
// for any unset values. Malformed values that cannot be defaulted safely
// (PORT, consumer URLs) are returned as errors so the process can fail fast.
func Load() (Config, error) {
	cfg := Config{
		Host:             envOrDefault("HOST", "0.0.0.0"),
		Env:              envOrDefault("NODE_ENV", "development"),
		DataDir:          envOrDefault("PLEXER_DATA_DIR", "./data"),
		RetryConcurrency: parseInt("RETRY_CONCURRENCY", 5),
		RetryBatchSize:   parseInt("RETRY_BATCH_SIZE", 50),
		RequestTimeout:   parseDuration("REQUEST_TIMEOUT", 10*time.Second),
		DrainTimeout:     parseDuration("DRAIN_TIMEOUT", 5*time.Second),
		MaxBodyBytes:     parseInt64("MAX_BODY_BYTES", 1<<20),
		DebugEndpoints:   parseBool("PLEXER_DEBUG_ENDPOINTS", false),
	}

	port, err := parsePort(os.Getenv("PORT"), 3000)
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	for _, def := range consumerDefs {
		spec, err := loadConsumer(def)
		if err != nil {
			return Config{}, err
		}
		cfg.Consumers = append(cfg.Consumers, spec)
	}

	return cfg, nil
}

// loadConsumer resolves one consumer's URL and token from the environment.
func loadConsumer(def consumerDef) (ConsumerSpec, error) {
	spec := ConsumerSpec{
		Key:      def.key,
		Label:    def.label,
		AuthKind: def.authKind,
	}

	raw := strings.TrimSpace(os.Getenv(def.prefix + "_URL"))
	if raw != "" {
		normalized, err := NormalizeURL(raw)
		if err != nil {
			return ConsumerSpec{}, fmt.Errorf("config: %s_URL: %w", def.prefix, err)
		}
		spec.URL = normalized
	}

	spec.Token = os.Getenv(def.prefix + "_TOKEN")
	if spec.Token == "" && def.eventsTokenOK {
		spec.Token = os.Getenv(def.prefix + "_EVENTS_TOKEN")
	}

	return spec, nil
}

// parsePort parses a port value strictly: whitespace is trimmed, the
// remainder must be a pure integer in 1-65535.
func parsePort(raw string, defaultVal int) (int, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: PORT must be an integer, got %q", raw)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("config: PORT must be 1-65535, got %d", n)
	}
	return n, nil
}

// NormalizeURL validates an absolute http(s) URL and strips trailing path
// slashes, preserving "/" for the root path and any query or fragment.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("URL must be absolute http(s), got %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("URL must have a host, got %q", raw)
	}

	if u.Path != "" {
		trimmed := strings.TrimRight(u.Path, "/")
		if trimmed == "" {
			trimmed = "/"
		}
		u.Path = trimmed
	}

	return u.String(), nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
