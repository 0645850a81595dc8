package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MaxConnectAttempts != 3 {
		t.Fatalf("MaxConnectAttempts = %d, want 3", cfg.MaxConnectAttempts)
	}
	if cfg.ConnectRetryDelay != 2*time.Second {
		t.Fatalf("ConnectRetryDelay = %v, want 2s", cfg.ConnectRetryDelay)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 30s", cfg.ConnectTimeout)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadRejectsSignalingTimeoutAboveConnectTimeout(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AGENT_CONNECT_TIMEOUT", "4s")
	t.Setenv("AGENT_SIGNALING_TIMEOUT", "10s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for signaling timeout >= connect timeout")
	}
}

func TestLoadUsesExplicitEndpoints(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AGENT_TOKEN_ENDPOINT", "http://backend:9000/token")
	t.Setenv("LIVEKIT_URL", "wss://rooms.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TokenEndpoint != "http://backend:9000/token" {
		t.Fatalf("TokenEndpoint = %q, want explicit value", cfg.TokenEndpoint)
	}
	if cfg.LiveKitURL != "wss://rooms.example.com" {
		t.Fatalf("LiveKitURL = %q, want explicit value", cfg.LiveKitURL)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"AGENT_TOKEN_ENDPOINT",
		"AGENT_SESSION_ENDPOINT",
		"AGENT_SIGNALING_ENDPOINT",
		"LIVEKIT_URL",
		"AGENT_USER_ID",
		"AGENT_DISPLAY_NAME",
		"AGENT_ROOM_NAME",
		"AGENT_TOKEN_TTL",
		"AGENT_MAX_CONNECT_ATTEMPTS",
		"AGENT_CONNECT_RETRY_DELAY",
		"AGENT_CONNECT_TIMEOUT",
		"AGENT_SIGNALING_TIMEOUT",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
