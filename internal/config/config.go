package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the realtime server.
type Config struct {
	Port        string
	Env         string
	RedisURL    string
	DatabaseURL string

	// CallRingTimeout is how long a pending call rings before it is
	// marked missed.
	CallRingTimeout time.Duration

	// WSSendBuffer is the per-connection outbound queue depth; a
	// connection that falls this far behind is evicted.
	WSSendBuffer int

	// RateLimitPerMinute caps REST requests per user. Zero disables.
	RateLimitPerMinute int
}

// Load reads configuration from environment variables. In development, it
// loads from .env file if present. In production, it panics on missing
// required variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		RedisURL:           os.Getenv("REDIS_URL"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		CallRingTimeout:    getDuration("CALL_RING_TIMEOUT", 60*time.Second),
		WSSendBuffer:       getInt("WS_SEND_BUFFER", 64),
		RateLimitPerMinute: getInt("RATE_LIMIT_PER_MINUTE", 120),
	}

	if cfg.Env == "production" {
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
