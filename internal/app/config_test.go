package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"DEV_MODE", "FRONTEND_URL", "LOCK_BACKEND", "LOCK_TIMEOUT", "LOCK_REAP_INTERVAL", "FORCE_RELEASE_ROLES", "LOG_LEVEL", "LOCKS_TABLE"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DevMode {
		t.Error("expected DevMode false")
	}
	if cfg.LockBackend != BackendMemory {
		t.Errorf("expected memory backend, got %q", cfg.LockBackend)
	}
	if cfg.LockTimeout != 5*time.Minute || cfg.ReapInterval != time.Minute {
		t.Errorf("unexpected durations: timeout=%v reap=%v", cfg.LockTimeout, cfg.ReapInterval)
	}
	if !reflect.DeepEqual(cfg.ForceReleaseRoles, []string{"admin"}) {
		t.Errorf("unexpected roles: %v", cfg.ForceReleaseRoles)
	}
	if cfg.LocksTable != "PostLocks" {
		t.Errorf("unexpected table: %q", cfg.LocksTable)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("unexpected log level: %v", cfg.LogLevel)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("DEV_MODE", "true")
	t.Setenv("LOCK_BACKEND", "dynamodb")
	t.Setenv("LOCK_TIMEOUT", "90s")
	t.Setenv("LOCK_REAP_INTERVAL", "15s")
	t.Setenv("FORCE_RELEASE_ROLES", "admin, editor-in-chief ,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.DevMode || cfg.LockBackend != BackendDynamoDB {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.LockTimeout != 90*time.Second || cfg.ReapInterval != 15*time.Second {
		t.Errorf("unexpected durations: timeout=%v reap=%v", cfg.LockTimeout, cfg.ReapInterval)
	}
	if !reflect.DeepEqual(cfg.ForceReleaseRoles, []string{"admin", "editor-in-chief"}) {
		t.Errorf("unexpected roles: %v", cfg.ForceReleaseRoles)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("unexpected log level: %v", cfg.LogLevel)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"LOCK_BACKEND":       "redis",
		"LOCK_TIMEOUT":       "five minutes",
		"LOCK_REAP_INTERVAL": "-1s",
		"LOG_LEVEL":          "chatty",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadConfig(""); err == nil {
				t.Errorf("expected error for %s=%q", key, val)
			}
		})
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	t.Setenv("LOCKS_TABLE", "")
	// godotenv never overrides variables that are already set, so unset it.
	os.Unsetenv("LOCKS_TABLE")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("LOCKS_TABLE=StagingLocks\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LocksTable != "StagingLocks" {
		t.Errorf("expected table from .env, got %q", cfg.LocksTable)
	}
}

func TestLoadConfig_MissingEnvFileIgnored(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}
