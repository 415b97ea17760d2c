// Package config loads the environment-variable configuration surface
// described in spec.md §6, following the getEnv helper idiom used by the
// teacher's cmd/tarsy/main.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved, validated configuration for one process.
type Config struct {
	HTTPAddr string
	LogFormat string

	WebhookSharedSecret     string
	WebhookSignatureHeader  string
	WebhookSignatureEncoding string // "hex" | "base64"
	WebhookSignaturePrefix  string
	WebhookConfirmationFetchMode string // "async" | "sync"

	EventStorePath          string
	EventStoreRetentionDays int

	EventLogRetentionDays int
	EventLogMaxSizeBytes  int64
	EventLogCompress      bool

	PollIntervalMs   int
	PollCapabilities []string
	AutoStartPolling bool
	PollBaselineTicks int

	QueueConcurrency int
	QueueMaxDepth    int
	QueueMaxAttempts int

	SSEHeartbeatMs          int
	SSEDataIncludesMetadata bool

	CacheTTLMs int

	ShutdownGraceMs int
}

// Load reads the process environment and returns a validated Config.
// WEBHOOK_SHARED_SECRET is the only required variable; everything else has
// a documented default (spec.md §6, SPEC_FULL.md's additions).
func Load() (*Config, error) {
	secret := os.Getenv("WEBHOOK_SHARED_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("WEBHOOK_SHARED_SECRET is required")
	}

	cfg := &Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		WebhookSharedSecret:          secret,
		WebhookSignatureHeader:       getEnv("WEBHOOK_SIGNATURE_HEADER", "X-Signature-256"),
		WebhookSignatureEncoding:     getEnv("WEBHOOK_SIGNATURE_ENCODING", "hex"),
		WebhookSignaturePrefix:       getEnv("WEBHOOK_SIGNATURE_PREFIX", ""),
		WebhookConfirmationFetchMode: getEnv("WEBHOOK_CONFIRMATION_FETCH_MODE", "async"),

		EventStorePath:          getEnv("EVENT_STORE_PATH", "./data/events.db"),
		EventStoreRetentionDays: getEnvInt("EVENT_STORE_RETENTION_DAYS", 30),

		EventLogRetentionDays: getEnvInt("EVENT_LOG_RETENTION_DAYS", 90),
		EventLogMaxSizeBytes:  getEnvSize("EVENT_LOG_MAX_SIZE", 100*1024*1024),
		EventLogCompress:      getEnvBool("EVENT_LOG_COMPRESS", true),

		PollIntervalMs:    getEnvInt("POLL_INTERVAL_MS", 5000),
		PollCapabilities:  getEnvList("POLL_CAPABILITIES"),
		AutoStartPolling:  getEnvBool("AUTO_START_POLLING", true),
		PollBaselineTicks: getEnvInt("POLL_BASELINE_TICKS", 1),

		QueueConcurrency: getEnvInt("QUEUE_CONCURRENCY", 5),
		QueueMaxDepth:    getEnvInt("QUEUE_MAX_DEPTH", 10000),
		QueueMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),

		SSEHeartbeatMs:          getEnvInt("SSE_HEARTBEAT_MS", 30000),
		SSEDataIncludesMetadata: getEnvBool("SSE_DATA_INCLUDES_METADATA", true),

		CacheTTLMs: getEnvInt("CACHE_TTL_MS", 300000),

		ShutdownGraceMs: getEnvInt("SHUTDOWN_GRACE_MS", 10000),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.WebhookSignatureEncoding {
	case "hex", "base64":
	default:
		return fmt.Errorf("WEBHOOK_SIGNATURE_ENCODING must be hex or base64, got %q", c.WebhookSignatureEncoding)
	}
	switch c.WebhookConfirmationFetchMode {
	case "async", "sync":
	default:
		return fmt.Errorf("WEBHOOK_CONFIRMATION_FETCH_MODE must be async or sync, got %q", c.WebhookConfirmationFetchMode)
	}
	if c.QueueConcurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be >= 1")
	}
	if c.QueueMaxDepth < 1 {
		return fmt.Errorf("QUEUE_MAX_DEPTH must be >= 1")
	}
	return nil
}

// ShutdownGrace returns ShutdownGraceMs as a time.Duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// PollInterval returns PollIntervalMs as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// SSEHeartbeat returns SSEHeartbeatMs as a time.Duration.
func (c *Config) SSEHeartbeat() time.Duration {
	return time.Duration(c.SSEHeartbeatMs) * time.Millisecond
}

// CacheTTL returns CacheTTLMs as a time.Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// EventStoreRetention returns EventStoreRetentionDays as a time.Duration.
func (c *Config) EventStoreRetention() time.Duration {
	return time.Duration(c.EventStoreRetentionDays) * 24 * time.Hour
}

// EventLogRetention returns EventLogRetentionDays as a time.Duration.
func (c *Config) EventLogRetention() time.Duration {
	return time.Duration(c.EventLogRetentionDays) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvSize parses sizes like "100m", "500k", "2g", or a bare byte count.
func getEnvSize(key string, defaultValue int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	v = strings.TrimSpace(strings.ToLower(v))
	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "g"):
		mult = 1024 * 1024 * 1024
		v = strings.TrimSuffix(v, "g")
	case strings.HasSuffix(v, "m"):
		mult = 1024 * 1024
		v = strings.TrimSuffix(v, "m")
	case strings.HasSuffix(v, "k"):
		mult = 1024
		v = strings.TrimSuffix(v, "k")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n * mult
}
