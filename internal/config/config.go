// Package config loads feedlog configuration.
//
// Values are layered: struct defaults, then an optional YAML file, then
// FEEDLOG_* environment variables. FEEDLOG_STORE_MAX_CONNS sets
// store.max_conns, FEEDLOG_VALIDATION_MODE sets validation.mode, and so on.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/roach88/feedlog/internal/history"
	"github.com/roach88/feedlog/internal/store"
	"github.com/roach88/feedlog/internal/validate"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FEEDLOG_"

// PathEnvVar names the config file when no path is given.
const PathEnvVar = EnvPrefix + "CONFIG"

// DefaultPaths are searched in order when neither a path nor PathEnvVar is
// set. Missing files are skipped.
var DefaultPaths = []string{
	"feedlog.yaml",
	"feedlog.yml",
}

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full feedlog configuration.
type Config struct {
	Store      StoreConfig      `koanf:"store"`
	Validation ValidationConfig `koanf:"validation"`
	History    HistoryConfig    `koanf:"history"`
	Keys       KeysConfig       `koanf:"keys"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// StoreConfig selects and tunes the durable store.
type StoreConfig struct {
	Driver       string        `koanf:"driver"`
	Path         string        `koanf:"path"`       // sqlite
	DSN          string        `koanf:"dsn"`        // postgres
	MaxConns     int           `koanf:"max_conns"`  // concurrent history streams
	BatchSize    int           `koanf:"batch_size"` // rows per history page
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ValidationConfig selects the validator policy.
type ValidationConfig struct {
	Mode string `koanf:"mode"`
	// HMACKey is the base64 network key. Empty disables HMAC signing.
	HMACKey string `koanf:"hmac_key"`
}

// HistoryConfig holds history stream defaults.
type HistoryConfig struct {
	DefaultLimit int `koanf:"default_limit"`
}

// KeysConfig locates the local signing identity.
type KeysConfig struct {
	Path string `koanf:"path"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:       DriverSQLite,
			Path:         "feedlog.db",
			MaxConns:     store.DefaultMaxConns,
			BatchSize:    store.DefaultBatchSize,
			WriteTimeout: 30 * time.Second,
		},
		Validation: ValidationConfig{
			Mode: validate.ModeStrict.String(),
		},
		History: HistoryConfig{
			DefaultLimit: history.DefaultLimit,
		},
		Keys: KeysConfig{
			Path: defaultKeysPath(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}

func defaultKeysPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".feedlog", "secret")
	}
	return filepath.Join(home, ".feedlog", "secret")
}

// Load builds the configuration from defaults, the YAML file at path (or
// the one found via PathEnvVar / DefaultPaths) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnvVar)
		explicit = path != ""
	}
	if !explicit {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		slog.Debug("config file loaded", "path", path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps FEEDLOG_SECTION_KEY_NAME to section.key_name.
// Variables without a section, and PathEnvVar itself, are skipped.
func envTransformFunc(key string) string {
	if key == PathEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok || rest == "" {
		return ""
	}
	return section + "." + rest
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Store.Driver))
	}
	if c.Store.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("store.max_conns must be positive, got %d", c.Store.MaxConns))
	}
	if c.Store.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("store.batch_size must be positive, got %d", c.Store.BatchSize))
	}
	if c.Store.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store.write_timeout must be positive, got %s", c.Store.WriteTimeout))
	}

	if _, err := validate.ParseMode(c.Validation.Mode); err != nil {
		errs = append(errs, fmt.Errorf("validation.mode: %w", err))
	}
	if _, err := c.Validation.Key(); err != nil {
		errs = append(errs, err)
	}

	if c.History.DefaultLimit <= 0 {
		errs = append(errs, fmt.Errorf("history.default_limit must be positive, got %d", c.History.DefaultLimit))
	}
	if c.Keys.Path == "" {
		errs = append(errs, errors.New("keys.path is required"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Key decodes the network HMAC key. It returns nil when none is set.
func (v ValidationConfig) Key() ([]byte, error) {
	if v.HMACKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(v.HMACKey)
	if err != nil {
		return nil, fmt.Errorf("validation.hmac_key must be base64: %w", err)
	}
	return key, nil
}

// Policy builds the validator policy described by v.
func (v ValidationConfig) Policy() (*validate.Validator, error) {
	mode, err := validate.ParseMode(v.Mode)
	if err != nil {
		return nil, err
	}
	key, err := v.Key()
	if err != nil {
		return nil, err
	}
	return validate.New(mode, key)
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", l.Level)
	}
}
