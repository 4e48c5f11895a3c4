package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/AlfredDev/httppool/config"
)

func TestLoadConfigFromEnv(t *testing.T) {
	os.Setenv("REDIS_URL", "redis://localhost:6379")
	os.Setenv("ENV", "test")
	os.Setenv("POOL_MAX_CONNECTIONS", "42")
	os.Setenv("POOL_HTTP2_ENABLED", "false")
	os.Setenv("POOL_KEEPALIVE_EXPIRY_SEC", "3")
	defer func() {
		os.Unsetenv("REDIS_URL")
		os.Unsetenv("ENV")
		os.Unsetenv("POOL_MAX_CONNECTIONS")
		os.Unsetenv("POOL_HTTP2_ENABLED")
		os.Unsetenv("POOL_KEEPALIVE_EXPIRY_SEC")
	}()

	cfg := config.Load()
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Fatalf("expected REDIS_URL to be loaded, got %s", cfg.RedisURL)
	}
	if cfg.Env != "test" {
		t.Fatalf("expected ENV=test, got %s", cfg.Env)
	}
	if cfg.MaxConnections != 42 {
		t.Fatalf("expected MaxConnections=42, got %d", cfg.MaxConnections)
	}
	if cfg.HTTP2Enabled {
		t.Fatal("expected HTTP2Enabled=false")
	}
	if cfg.KeepaliveExpiry != 3*time.Second {
		t.Fatalf("expected KeepaliveExpiry=3s, got %v", cfg.KeepaliveExpiry)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	os.Unsetenv("POOL_MAX_CONNECTIONS")
	os.Unsetenv("POOL_HTTP2_ENABLED")

	cfg := config.Load()
	if cfg.MaxConnections != 100 {
		t.Fatalf("expected default MaxConnections=100, got %d", cfg.MaxConnections)
	}
	if !cfg.HTTP2Enabled {
		t.Fatal("expected default HTTP2Enabled=true")
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default Addr=:8080, got %s", cfg.Addr)
	}
}

func TestIsDevelopmentAndProduction(t *testing.T) {
	cfg := &config.Config{Env: "development"}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Fatal("expected development env classification")
	}
	cfg.Env = "production"
	if cfg.IsDevelopment() || !cfg.IsProduction() {
		t.Fatal("expected production env classification")
	}
}
