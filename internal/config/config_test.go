package config

import (
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Signaling.PublishAttempts != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", c.Signaling.PublishAttempts)
	}
	if c.Signaling.PublishBackoff != 300*time.Millisecond {
		t.Fatalf("expected 300ms backoff, got %s", c.Signaling.PublishBackoff)
	}
	if c.Signaling.SubscribeTimeout != 10*time.Second {
		t.Fatalf("expected 10s subscribe timeout, got %s", c.Signaling.SubscribeTimeout)
	}
	if c.Signaling.WatchdogGrace != 6*time.Second {
		t.Fatalf("expected 6s watchdog grace, got %s", c.Signaling.WatchdogGrace)
	}
}

func TestValidate_TURNRequiresCredentials(t *testing.T) {
	c := validLocal()
	c.ICE.TURNURLs = []string{"turn:turn.example.com:3478"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for TURN without credentials")
	}
	c.ICE.TURNUsername = "u"
	c.ICE.TURNCredential = "p"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestLoad_ReadsEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "calls")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SIGNAL_PUBLISH_ATTEMPTS", "5")
	t.Setenv("CALL_WATCHDOG_GRACE", "2s")
	t.Setenv("STUN_URLS", "stun:stun.l.google.com:19302")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr() != ":9090" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
	if len(c.App.CORSAllowedOrigins) != 2 || c.App.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", c.App.CORSAllowedOrigins)
	}
	if c.Signaling.PublishAttempts != 5 || c.Signaling.WatchdogGrace != 2*time.Second {
		t.Fatalf("unexpected signaling config %+v", c.Signaling)
	}
	if len(c.ICE.STUNURLs) != 1 {
		t.Fatalf("expected one stun url, got %v", c.ICE.STUNURLs)
	}
}
