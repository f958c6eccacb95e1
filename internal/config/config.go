package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/g960059/famsync/internal/model"
)

type Config struct {
	DeviceID    string     `yaml:"device_id"`
	DisplayName string     `yaml:"display_name"`
	Role        model.Role `yaml:"role"`

	SocketPath  string `yaml:"socket_path"`
	DBPath      string `yaml:"db_path"`
	RemoteURL   string `yaml:"remote_url"`
	RedisURL    string `yaml:"redis_url"`
	MetricsAddr string `yaml:"metrics_addr"`

	SyncInterval      time.Duration `yaml:"sync_interval"`
	WakeMinInterval   time.Duration `yaml:"wake_min_interval"`
	RemoteCallTimeout time.Duration `yaml:"remote_call_timeout"`
	ReportWindow      time.Duration `yaml:"report_window"`

	MergeWindow           time.Duration `yaml:"merge_window"`
	PointsUnit            time.Duration `yaml:"points_unit"`
	MaxObservationSeconds int64         `yaml:"max_observation_seconds"`
	ObservationSkew       time.Duration `yaml:"observation_skew"`

	MaxRetries int `yaml:"max_retries"`

	RemoteDownWindow       time.Duration `yaml:"remote_down_window"`
	RemoteDownFailures     int           `yaml:"remote_down_failures"`
	RemoteRecoverSuccesses int           `yaml:"remote_recover_successes"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		Role:                   model.RoleAgent,
		SocketPath:             defaultSocketPath(),
		DBPath:                 defaultDBPath(),
		RemoteURL:              "memory",
		SyncInterval:           60 * time.Second,
		WakeMinInterval:        2 * time.Second,
		RemoteCallTimeout:      10 * time.Second,
		ReportWindow:           24 * time.Hour,
		MergeWindow:            3 * time.Minute,
		PointsUnit:             60 * time.Second,
		MaxObservationSeconds:  300,
		ObservationSkew:        5 * time.Second,
		MaxRetries:             3,
		RemoteDownWindow:       2 * time.Minute,
		RemoteDownFailures:     3,
		RemoteRecoverSuccesses: 2,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load layers DefaultConfig, the optional YAML file at path and FAMSYNC_*
// environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DeviceID = getenv("FAMSYNC_DEVICE_ID", cfg.DeviceID)
	cfg.DisplayName = getenv("FAMSYNC_DISPLAY_NAME", cfg.DisplayName)
	cfg.Role = model.Role(getenv("FAMSYNC_ROLE", string(cfg.Role)))
	cfg.SocketPath = getenv("FAMSYNC_SOCKET", cfg.SocketPath)
	cfg.DBPath = getenv("FAMSYNC_DB", cfg.DBPath)
	cfg.RemoteURL = getenv("FAMSYNC_REMOTE_URL", cfg.RemoteURL)
	cfg.RedisURL = getenv("FAMSYNC_REDIS_URL", cfg.RedisURL)
	cfg.MetricsAddr = getenv("FAMSYNC_METRICS_ADDR", cfg.MetricsAddr)
	cfg.SyncInterval = getenvDuration("FAMSYNC_SYNC_INTERVAL", cfg.SyncInterval)
	cfg.RemoteCallTimeout = getenvDuration("FAMSYNC_REMOTE_TIMEOUT", cfg.RemoteCallTimeout)
	cfg.MergeWindow = getenvDuration("FAMSYNC_MERGE_WINDOW", cfg.MergeWindow)
	cfg.MaxRetries = getenvInt("FAMSYNC_MAX_RETRIES", cfg.MaxRetries)
	cfg.LogLevel = getenv("FAMSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("FAMSYNC_LOG_FORMAT", cfg.LogFormat)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	}
	if !c.Role.Valid() {
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", model.RoleController, model.RoleAgent, c.Role))
	}
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive"))
	}
	if c.RemoteCallTimeout <= 0 {
		errs = append(errs, errors.New("remote_call_timeout must be positive"))
	}
	if c.MergeWindow <= 0 {
		errs = append(errs, errors.New("merge_window must be positive"))
	}
	if c.PointsUnit <= 0 {
		errs = append(errs, errors.New("points_unit must be positive"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries must be at least 1"))
	}
	return errors.Join(errs...)
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "famsync", "famsyncd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "famsyncd.sock")
	}
	return filepath.Join(home, ".local", "state", "famsync", "famsyncd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "famsync.db"
	}
	return filepath.Join(home, ".local", "state", "famsync", "state.db")
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
