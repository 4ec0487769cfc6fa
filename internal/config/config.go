package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the relay's runtime settings, loaded from the environment.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":3001".
	ListenAddr string

	// RedisURL accepts "host:port" or a redis:// / rediss:// URL.
	RedisURL string

	// MaxTTLHours clamps the lifetime an uploader may request.
	MaxTTLHours int

	// DefaultTTLHours applies when ttl_hours is omitted.
	DefaultTTLHours int

	// MaxPayloadBytes is the operator ceiling on encrypted_payload, at or
	// below the protocol maximum.
	MaxPayloadBytes int

	// RateLimitPerMinute is the per-recipient upload budget.
	RateLimitPerMinute int

	// WsPollInterval is how often a subscribed push session re-reads the
	// queue head.
	WsPollInterval time.Duration

	// WsPingInterval is the keepalive cadence on push sessions.
	WsPingInterval time.Duration

	LogLevel string
}

// Load reads configuration from environment variables, falling back to
// defaults suitable for local development.
func Load() *Config {
	return &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":3001"),
		RedisURL:           getEnv("REDIS_URL", "localhost:6379"),
		MaxTTLHours:        getEnvInt("MAX_TTL_HOURS", 24),
		DefaultTTLHours:    getEnvInt("DEFAULT_TTL_HOURS", 4),
		MaxPayloadBytes:    getEnvInt("MAX_PAYLOAD_BYTES", 65536),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		WsPollInterval:     getEnvDuration("WS_POLL_INTERVAL", 2*time.Second),
		WsPingInterval:     getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
