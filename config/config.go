// ABOUTME: Client configuration loaded from ADCANVAS_* environment variables and optional .env files.
// ABOUTME: Resolves the backend URL, project, data directory, stream tuning, and logging options.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var (
	// ErrInvalidBackend is returned when ADCANVAS_BACKEND is not an absolute http(s) URL.
	ErrInvalidBackend = errors.New("ADCANVAS_BACKEND must be an absolute http or https URL")
	// ErrInvalidImageCount is returned when ADCANVAS_N_IMAGES is outside 1..8.
	ErrInvalidImageCount = errors.New("ADCANVAS_N_IMAGES must be between 1 and 8")
)

// Config holds the client configuration.
type Config struct {
	Backend          string        // Backend base URL (ADCANVAS_BACKEND, default: http://127.0.0.1:7780)
	Project          string        // Project ID for persistence (ADCANVAS_PROJECT, default: default)
	DataDir          string        // Data directory (ADCANVAS_DATA_DIR, default: XDG data home)
	NImages          int           // Images per job (ADCANVAS_N_IMAGES, default: 4)
	LogLevel         string        // Log level (ADCANVAS_LOG_LEVEL, default: info)
	LogPretty        bool          // Console log output (ADCANVAS_LOG_PRETTY, default: false)
	WatchdogTimeout  time.Duration // Stream watchdog (ADCANVAS_WATCHDOG, default: 60s)
	MaxReconnects    int           // Reconnect attempts (ADCANVAS_MAX_RECONNECTS, default: 5)
	DevAddr          string        // Dev server bind address (ADCANVAS_DEV_ADDR, default: 127.0.0.1:7780)
	DevStepDelay     time.Duration // Dev server delay between stages (ADCANVAS_DEV_STEP_DELAY, default: 400ms)
	OutboxRatePerSec float64       // Persistence write rate (ADCANVAS_OUTBOX_RATE, default: 20)
}

// LoadDotEnv loads .env and .env.local if present. Missing files are skipped;
// a file that exists but cannot be read or parsed is reported, and the
// remaining files are still loaded.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	var errs []error
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("load %s: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// FromEnv loads configuration from ADCANVAS_* variables with defaults.
func FromEnv() (*Config, error) {
	dataDir := envOrDefault("ADCANVAS_DATA_DIR", "")
	if dataDir == "" {
		d, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = d
	}

	cfg := &Config{
		Backend:          envOrDefault("ADCANVAS_BACKEND", "http://127.0.0.1:7780"),
		Project:          envOrDefault("ADCANVAS_PROJECT", "default"),
		DataDir:          dataDir,
		LogLevel:         envOrDefault("ADCANVAS_LOG_LEVEL", "info"),
		LogPretty:        envBool("ADCANVAS_LOG_PRETTY"),
		DevAddr:          envOrDefault("ADCANVAS_DEV_ADDR", "127.0.0.1:7780"),
		OutboxRatePerSec: 20,
	}

	var err error
	if cfg.NImages, err = envInt("ADCANVAS_N_IMAGES", 4); err != nil {
		return nil, err
	}
	if cfg.MaxReconnects, err = envInt("ADCANVAS_MAX_RECONNECTS", 5); err != nil {
		return nil, err
	}
	if cfg.WatchdogTimeout, err = envDuration("ADCANVAS_WATCHDOG", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.DevStepDelay, err = envDuration("ADCANVAS_DEV_STEP_DELAY", 400*time.Millisecond); err != nil {
		return nil, err
	}
	if v := os.Getenv("ADCANVAS_OUTBOX_RATE"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil || f <= 0 {
			return nil, fmt.Errorf("ADCANVAS_OUTBOX_RATE=%q: must be a positive number", v)
		}
		cfg.OutboxRatePerSec = f
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges after flags have been applied.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Backend)
	}
	if c.NImages < 1 || c.NImages > 8 {
		return fmt.Errorf("%w: got %d", ErrInvalidImageCount, c.NImages)
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects must not be negative: %d", c.MaxReconnects)
	}
	return nil
}

// DBPath returns the SQLite database path inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "adcanvas.db")
}

// JournalPath returns the JSONL journal path for a project.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal", c.Project+".jsonl")
}

// DefaultDataDir checks XDG_DATA_HOME first, then falls back to ~/.local/share/adcanvas.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "adcanvas"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "adcanvas"), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	}
	return false
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, err)
	}
	return d, nil
}
