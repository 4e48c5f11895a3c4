package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all poolserver configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Pool tuning
	MaxConnections  int
	MaxKeepalive    int
	KeepaliveExpiry time.Duration
	HTTP2Enabled    bool

	// Transport dial knobs
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	// Redis snapshot publishing (optional — empty RedisURL disables it)
	RedisURL         string
	SnapshotInterval time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("POOLSERVER_GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		Addr:            getEnv("POOLSERVER_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,

		MaxConnections:  getEnvInt("POOL_MAX_CONNECTIONS", 100),
		MaxKeepalive:    getEnvInt("POOL_MAX_KEEPALIVE", 20),
		KeepaliveExpiry: time.Duration(getEnvInt("POOL_KEEPALIVE_EXPIRY_SEC", 5)) * time.Second,
		HTTP2Enabled:    getEnvBool("POOL_HTTP2_ENABLED", true),

		DialTimeout:           time.Duration(getEnvInt("POOL_DIAL_TIMEOUT_SEC", 10)) * time.Second,
		KeepAlive:             time.Duration(getEnvInt("POOL_TCP_KEEPALIVE_SEC", 30)) * time.Second,
		TLSHandshakeTimeout:   time.Duration(getEnvInt("POOL_TLS_HANDSHAKE_TIMEOUT_SEC", 10)) * time.Second,
		ResponseHeaderTimeout: time.Duration(getEnvInt("POOL_RESPONSE_HEADER_TIMEOUT_SEC", 0)) * time.Second,
		ExpectContinueTimeout: time.Duration(getEnvInt("POOL_EXPECT_CONTINUE_TIMEOUT_SEC", 1)) * time.Second,

		RedisURL:         getEnv("REDIS_URL", ""),
		SnapshotInterval: time.Duration(getEnvInt("POOL_SNAPSHOT_INTERVAL_SEC", 10)) * time.Second,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
