package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jun/postlock/internal/lock"
)

// Lock backends.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
)

// Config holds the service settings, read from the environment.
type Config struct {
	DevMode               bool
	FrontendURL           string
	JWTSecretParam        string
	APIGatewaySecretParam string

	LockBackend       string
	LocksTable        string
	LockTimeout       time.Duration
	ReapInterval      time.Duration
	ForceReleaseRoles []string

	LogLevel slog.Level
}

// LoadConfig reads the configuration from environment variables, after
// loading envFile when it is set and exists.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := Config{
		DevMode:               os.Getenv("DEV_MODE") == "true",
		FrontendURL:           getEnv("FRONTEND_URL", "http://localhost:3000"),
		JWTSecretParam:        getEnv("JWT_SECRET_PARAM", "/postlock/jwt-secret"),
		APIGatewaySecretParam: getEnv("API_GATEWAY_SECRET_PARAM", "/postlock/api-gateway-secret"),
		LockBackend:           getEnv("LOCK_BACKEND", BackendMemory),
		LocksTable:            getEnv("LOCKS_TABLE", "PostLocks"),
		ForceReleaseRoles:     splitList(getEnv("FORCE_RELEASE_ROLES", "admin")),
	}

	var err error
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", lock.DefaultTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReapInterval, err = getDuration("LOCK_REAP_INTERVAL", lock.DefaultReapInterval); err != nil {
		return Config{}, err
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL %q: %w", lvl, err)
		}
	}

	switch cfg.LockBackend {
	case BackendMemory, BackendDynamoDB:
	default:
		return Config{}, fmt.Errorf("invalid LOCK_BACKEND %q: want %q or %q", cfg.LockBackend, BackendMemory, BackendDynamoDB)
	}
	return cfg, nil
}

// NewLogger returns the JSON logger used by the binaries.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
