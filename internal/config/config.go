package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that points at the config file
const EnvPath = "OUTBOX_CONFIG"

// Config is the complete outbox configuration
type Config struct {
	Store        StoreConfig        `yaml:"store"`
	Device       DeviceConfig       `yaml:"device"`
	Upload       UploadConfig       `yaml:"upload"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Limits       LimitsConfig       `yaml:"limits"`
	Server       ServerConfig       `yaml:"server"`
	Watch        WatchConfig        `yaml:"watch"`
	Log          LogConfig          `yaml:"log"`
}

// StoreConfig selects the SQLite driver and database file.
// An empty path runs without persistence.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`
}

// DeviceConfig locates the persisted device id
type DeviceConfig struct {
	IDFile string `yaml:"id_file"`
}

// UploadConfig points at the multipart upload endpoint
type UploadConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	BackoffCeiling   time.Duration `yaml:"backoff_ceiling"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxFileSizeBytes int64         `yaml:"max_file_size_bytes"`
}

// SchedulerConfig controls the retry sweep
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ConnectivityConfig controls reachability probing.
// An empty probe URL disables probing.
type ConnectivityConfig struct {
	ProbeURL string        `yaml:"probe_url"`
	Interval time.Duration `yaml:"interval"`
}

// LimitsConfig bounds sweep dispatch per record kind. Zero means unlimited.
type LimitsConfig struct {
	MaxConcurrent        int `yaml:"max_concurrent"`
	MaxAttemptsPerMinute int `yaml:"max_attempts_per_minute"`
}

// ServerConfig is the local status API
type ServerConfig struct {
	Port string `yaml:"port"`
}

// WatchConfig makes the worker enqueue files dropped into Dir for TaskID
type WatchConfig struct {
	Dir    string `yaml:"dir"`
	TaskID string `yaml:"task_id"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration that runs locally with a cgo SQLite store
func Default() *Config {
	return &Config{
		Store:        StoreConfig{Driver: "sqlite3", Path: "outbox.db"},
		Device:       DeviceConfig{IDFile: "device_id"},
		Upload:       UploadConfig{BackoffCeiling: 300 * time.Second, RequestTimeout: 2 * time.Minute, MaxFileSizeBytes: 50 << 20},
		Scheduler:    SchedulerConfig{Interval: 30 * time.Second},
		Connectivity: ConnectivityConfig{Interval: 10 * time.Second},
		Limits:       LimitsConfig{MaxConcurrent: 4, MaxAttemptsPerMinute: 120},
		Server:       ServerConfig{Port: "8080"},
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads the file named by OUTBOX_CONFIG, or the defaults when unset
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvPath)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the configuration for values the outbox cannot run with
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.Store.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite3 or sqlite, got %q", cfg.Store.Driver))
	}

	if cfg.Upload.BackoffCeiling < 0 {
		errs = append(errs, errors.New("upload.backoff_ceiling must not be negative"))
	}
	if cfg.Upload.MaxFileSizeBytes < 0 {
		errs = append(errs, errors.New("upload.max_file_size_bytes must not be negative"))
	}
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if cfg.Connectivity.ProbeURL != "" && cfg.Connectivity.Interval <= 0 {
		errs = append(errs, errors.New("connectivity.interval must be positive when probing"))
	}
	if cfg.Limits.MaxConcurrent < 0 || cfg.Limits.MaxAttemptsPerMinute < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if cfg.Watch.Dir != "" && cfg.Watch.TaskID == "" {
		errs = append(errs, errors.New("watch.task_id is required when watch.dir is set"))
	}

	if _, err := parseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format))
	}

	return errors.Join(errs...)
}

// NewLogger builds the slog logger described by the log section
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
}
