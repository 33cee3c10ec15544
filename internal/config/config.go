// Package config loads keel settings.
//
// Precedence, lowest first: built-in defaults, a YAML file, then KEEL_*
// environment variables. No setting affects correctness; every value has
// a safe default and the file is optional.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the resolved settings.
type Config struct {
	// Root is the state directory holding ledgers, projections and the audit log.
	Root string `koanf:"root"`

	// BusyTimeout bounds how long a store waits on another process's lock.
	BusyTimeout time.Duration `koanf:"busy_timeout"`

	// Gate selects broker serialization: "global" or "per_store".
	Gate string `koanf:"gate"`

	LogLevel  string `koanf:"log.level"`
	LogFormat string `koanf:"log.format"`

	GitBinary  string        `koanf:"git.binary"`
	GitTimeout time.Duration `koanf:"git.timeout"`

	// MetricsFile, when set, receives a Prometheus textfile after each command.
	MetricsFile string `koanf:"telemetry.metrics_file"`
	// Trace selects the span exporter: "none" or "stdout".
	Trace string `koanf:"telemetry.trace"`
}

const (
	DefaultRoot        = ".keel"
	DefaultBusyTimeout = 5 * time.Second
	DefaultGate        = GateGlobal
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultGitBinary   = "git"
	DefaultGitTimeout  = 30 * time.Second
	DefaultTrace       = "none"

	// FileName is the config file looked up inside Root.
	FileName = "config.yaml"
)

// Gate modes.
const (
	GateGlobal   = "global"
	GatePerStore = "per_store"
)

var (
	ErrInvalidGate        = errors.New("gate must be global or per_store")
	ErrInvalidLogLevel    = errors.New("log.level must be debug, info, warn or error")
	ErrInvalidLogFormat   = errors.New("log.format must be text or json")
	ErrInvalidTrace       = errors.New("telemetry.trace must be none or stdout")
	ErrInvalidBusyTimeout = errors.New("busy_timeout must be between 1s and 60s")
	ErrInvalidGitTimeout  = errors.New("git.timeout must be positive")
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Root:        DefaultRoot,
		BusyTimeout: DefaultBusyTimeout,
		Gate:        DefaultGate,
		LogLevel:    DefaultLogLevel,
		LogFormat:   DefaultLogFormat,
		GitBinary:   DefaultGitBinary,
		GitTimeout:  DefaultGitTimeout,
		Trace:       DefaultTrace,
	}
}

// Load resolves configuration from path (skipped when empty or missing)
// and the environment. The returned error joins every invalid setting.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	var errs []error
	d := Default()

	cfg := &Config{
		Root:        envOr("KEEL_ROOT", k.String("root"), d.Root),
		Gate:        envOr("KEEL_GATE", k.String("gate"), d.Gate),
		LogLevel:    strings.ToLower(envOr("KEEL_LOG_LEVEL", k.String("log.level"), d.LogLevel)),
		LogFormat:   strings.ToLower(envOr("KEEL_LOG_FORMAT", k.String("log.format"), d.LogFormat)),
		GitBinary:   envOr("KEEL_GIT_BINARY", k.String("git.binary"), d.GitBinary),
		MetricsFile: envOr("KEEL_METRICS_FILE", k.String("telemetry.metrics_file"), ""),
		Trace:       strings.ToLower(envOr("KEEL_TRACE", k.String("telemetry.trace"), d.Trace)),
	}

	var err error
	if cfg.BusyTimeout, err = durationOr("KEEL_BUSY_TIMEOUT", k, "busy_timeout", d.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.GitTimeout, err = durationOr("KEEL_GIT_TIMEOUT", k, "git.timeout", d.GitTimeout); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, cfg.Validate()...)
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() []error {
	var errs []error

	if c.Gate != GateGlobal && c.Gate != GatePerStore {
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidGate, c.Gate))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidLogLevel, c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidLogFormat, c.LogFormat))
	}
	if c.Trace != "none" && c.Trace != "stdout" {
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidTrace, c.Trace))
	}
	if c.BusyTimeout < time.Second || c.BusyTimeout > time.Minute {
		errs = append(errs, fmt.Errorf("%w: got %s", ErrInvalidBusyTimeout, c.BusyTimeout))
	}
	if c.GitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: got %s", ErrInvalidGitTimeout, c.GitTimeout))
	}

	return errs
}

// AuditPath is the broker's append-only audit log.
func (c *Config) AuditPath() string {
	return filepath.Join(c.Root, "broker.events.jsonl")
}

func envOr(envKey, koanfVal, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

func durationOr(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a duration: %w", envKey, err)
		}
		return d, nil
	}
	if k.Exists(koanfKey) {
		d, err := time.ParseDuration(k.String(koanfKey))
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a duration: %w", koanfKey, err)
		}
		return d, nil
	}
	return defaultVal, nil
}
