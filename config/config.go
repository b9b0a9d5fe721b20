// Package config loads runtime settings from defaults, an optional YAML file
// and WORKSHEET_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	// Pipeline
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	StepInterval  time.Duration `yaml:"step_interval"`
	StartDelay    time.Duration `yaml:"start_delay"`
	MaxPages      int           `yaml:"max_pages"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Job store
	MaxJobs   int           `yaml:"max_jobs"`
	Retention time.Duration `yaml:"retention"`

	// Uploads
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Logging
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		Workers:        4,
		QueueSize:      100,
		StepInterval:   500 * time.Millisecond,
		StartDelay:     100 * time.Millisecond,
		MaxPages:       2000,
		SweepInterval:  time.Minute,
		MaxJobs:        1000,
		Retention:      time.Hour,
		MaxUploadBytes: 10 << 20,
		LogLevel:       "INFO",
	}
}

// Load builds the configuration. path may be empty; a missing file at a
// non-empty path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr must be set"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.StepInterval <= 0 {
		errs = append(errs, errors.New("step_interval must be positive"))
	}
	if c.StartDelay < 0 {
		errs = append(errs, errors.New("start_delay must not be negative"))
	}
	if c.MaxPages <= 0 {
		errs = append(errs, errors.New("max_pages must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.MaxJobs <= 0 {
		errs = append(errs, errors.New("max_jobs must be positive"))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel converts LogLevel for slog.
func (c Config) SlogLevel() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("WORKSHEET_HTTP_ADDR", &cfg.HTTPAddr)
	integer("WORKSHEET_WORKERS", &cfg.Workers)
	integer("WORKSHEET_QUEUE_SIZE", &cfg.QueueSize)
	duration("WORKSHEET_STEP_INTERVAL", &cfg.StepInterval)
	duration("WORKSHEET_START_DELAY", &cfg.StartDelay)
	integer("WORKSHEET_MAX_PAGES", &cfg.MaxPages)
	duration("WORKSHEET_SWEEP_INTERVAL", &cfg.SweepInterval)
	integer("WORKSHEET_MAX_JOBS", &cfg.MaxJobs)
	duration("WORKSHEET_RETENTION", &cfg.Retention)
	if v, ok := lookupEnv("WORKSHEET_MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WORKSHEET_MAX_UPLOAD_BYTES: %w", err))
		} else {
			cfg.MaxUploadBytes = n
		}
	}
	str("WORKSHEET_LOG_FILE", &cfg.LogFile)
	str("WORKSHEET_LOG_LEVEL", &cfg.LogLevel)

	return errors.Join(errs...)
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
