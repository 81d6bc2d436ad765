// ABOUTME: Tests for ADCANVAS_* environment configuration and data directory resolution.
// ABOUTME: Uses t.Setenv so each case starts from a clean environment.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ADCANVAS_BACKEND", "ADCANVAS_PROJECT", "ADCANVAS_DATA_DIR", "ADCANVAS_N_IMAGES",
		"ADCANVAS_LOG_LEVEL", "ADCANVAS_LOG_PRETTY", "ADCANVAS_WATCHDOG", "ADCANVAS_MAX_RECONNECTS",
		"ADCANVAS_DEV_ADDR", "ADCANVAS_DEV_STEP_DELAY", "ADCANVAS_OUTBOX_RATE",
	} {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Backend != "http://127.0.0.1:7780" {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if cfg.Project != "default" || cfg.NImages != 4 || cfg.MaxReconnects != 5 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.WatchdogTimeout != 60*time.Second {
		t.Errorf("WatchdogTimeout = %v", cfg.WatchdogTimeout)
	}
	if cfg.DataDir != filepath.Join("/tmp/xdg", "adcanvas") {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.DBPath() != filepath.Join("/tmp/xdg", "adcanvas", "adcanvas.db") {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADCANVAS_BACKEND", "https://ads.example.com")
	t.Setenv("ADCANVAS_DATA_DIR", "/data")
	t.Setenv("ADCANVAS_N_IMAGES", "2")
	t.Setenv("ADCANVAS_WATCHDOG", "5s")
	t.Setenv("ADCANVAS_LOG_PRETTY", "yes")
	t.Setenv("ADCANVAS_OUTBOX_RATE", "2.5")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Backend != "https://ads.example.com" || cfg.DataDir != "/data" || cfg.NImages != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.WatchdogTimeout != 5*time.Second || !cfg.LogPretty || cfg.OutboxRatePerSec != 2.5 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, val string
		want     error
	}{
		{"ADCANVAS_BACKEND", "ftp://x", ErrInvalidBackend},
		{"ADCANVAS_BACKEND", "not a url", ErrInvalidBackend},
		{"ADCANVAS_N_IMAGES", "9", ErrInvalidImageCount},
		{"ADCANVAS_N_IMAGES", "0", ErrInvalidImageCount},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.val, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("ADCANVAS_DATA_DIR", "/data")
			t.Setenv(tt.key, tt.val)
			if _, err := FromEnv(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	clearEnv(t)
	t.Setenv("ADCANVAS_DATA_DIR", "/data")
	t.Setenv("ADCANVAS_WATCHDOG", "soon")
	if _, err := FromEnv(); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestLoadDotEnvDoesNotOverrideSetVars(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("ADCANVAS_DOTENV_MARKER=from-file\nADCANVAS_BACKEND=http://file:1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ADCANVAS_BACKEND", "http://env:2")
	os.Unsetenv("ADCANVAS_DOTENV_MARKER")
	t.Cleanup(func() { os.Unsetenv("ADCANVAS_DOTENV_MARKER") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("ADCANVAS_DOTENV_MARKER"); got != "from-file" {
		t.Errorf("ADCANVAS_DOTENV_MARKER = %q", got)
	}
	if got := os.Getenv("ADCANVAS_BACKEND"); got != "http://env:2" {
		t.Errorf("ADCANVAS_BACKEND = %q, want env value kept", got)
	}
}

func TestLoadDotEnvReportsUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, ".env.local")
	if err := os.WriteFile(good, []byte("ADCANVAS_DOTENV_AFTER=loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("ADCANVAS_DOTENV_AFTER")
	t.Cleanup(func() { os.Unsetenv("ADCANVAS_DOTENV_AFTER") })

	// A directory exists but cannot be read as a dotenv file.
	err := LoadDotEnv(dir, good)
	if err == nil {
		t.Fatal("expected an error for an unreadable .env")
	}
	if errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, should not be a missing-file error", err)
	}
	if got := os.Getenv("ADCANVAS_DOTENV_AFTER"); got != "loaded" {
		t.Errorf("later file not loaded after the error: %q", got)
	}
}

func TestDefaultDataDirFallsBackToHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", "/home/tester")
	got, err := DefaultDataDir()
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join("/home/tester", ".local", "share", "adcanvas") {
		t.Errorf("DefaultDataDir = %q", got)
	}
}
