package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the agent session client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	TokenEndpoint     string
	SessionEndpoint   string
	SignalingEndpoint string
	LiveKitURL        string

	UserID      string
	DisplayName string
	RoomName    string

	TokenTTL           time.Duration
	MaxConnectAttempts int
	ConnectRetryDelay  time.Duration
	ConnectTimeout     time.Duration
	SignalingTimeout   time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "agentlink"),
		AllowAnyOrigin:    false,
		TokenEndpoint:     envOrDefault("AGENT_TOKEN_ENDPOINT", "http://localhost:9000/api/token"),
		SessionEndpoint:   envOrDefault("AGENT_SESSION_ENDPOINT", "http://localhost:9000/api/sessions"),
		SignalingEndpoint: envOrDefault("AGENT_SIGNALING_ENDPOINT", "ws://localhost:9000/api/signaling"),
		LiveKitURL:        envOrDefault("LIVEKIT_URL", "ws://localhost:7880"),
		UserID:            envOrDefault("AGENT_USER_ID", "local-user"),
		DisplayName:       envOrDefault("AGENT_DISPLAY_NAME", "Studio User"),
		RoomName:          envOrDefault("AGENT_ROOM_NAME", "studio"),
		DatabaseURL:       trimmedEnv("DATABASE_URL"),

		TokenTTL:           time.Hour,
		MaxConnectAttempts: 3,
		ConnectRetryDelay:  2 * time.Second,
		ConnectTimeout:     30 * time.Second,
		SignalingTimeout:   5 * time.Second,
		ShutdownTimeout:    15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTTL, err = durationFromEnv("AGENT_TOKEN_TTL", cfg.TokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConnectAttempts, err = intFromEnv("AGENT_MAX_CONNECT_ATTEMPTS", cfg.MaxConnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectRetryDelay, err = durationFromEnv("AGENT_CONNECT_RETRY_DELAY", cfg.ConnectRetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("AGENT_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalingTimeout, err = durationFromEnv("AGENT_SIGNALING_TIMEOUT", cfg.SignalingTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConnectAttempts <= 0 {
		return Config{}, fmt.Errorf("AGENT_MAX_CONNECT_ATTEMPTS must be positive")
	}
	if cfg.ConnectRetryDelay < 0 {
		return Config{}, fmt.Errorf("AGENT_CONNECT_RETRY_DELAY must not be negative")
	}
	if cfg.ConnectTimeout < time.Second {
		return Config{}, fmt.Errorf("AGENT_CONNECT_TIMEOUT must be at least 1s")
	}
	if cfg.SignalingTimeout >= cfg.ConnectTimeout {
		// The signaling probe must give up before the session-level timeout fires.
		return Config{}, fmt.Errorf("AGENT_SIGNALING_TIMEOUT must be shorter than AGENT_CONNECT_TIMEOUT")
	}
	if cfg.TokenTTL < time.Minute {
		return Config{}, fmt.Errorf("AGENT_TOKEN_TTL must be at least 1m")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
