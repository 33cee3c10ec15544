package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/audit"
	"github.com/roach88/keel/internal/broker"
	"github.com/roach88/keel/internal/config"
	"github.com/roach88/keel/internal/eventsource"
	"github.com/roach88/keel/internal/logging"
	"github.com/roach88/keel/internal/projection"
	"github.com/roach88/keel/internal/store"
	"github.com/roach88/keel/internal/telemetry"
)

// Env is the runtime one invocation works in: resolved config, logger,
// telemetry and the broker every subsystem shares.
type Env struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracing *telemetry.Tracing
	Broker  *broker.Broker

	storeOpts store.Options
	sources   map[string]*eventsource.Source
}

// environment opens the Env on first use. Logs and spans go to stderr;
// stdout carries command results only.
func (o *RootOptions) environment(cmd *cobra.Command) (*Env, error) {
	if o.env != nil {
		return o.env, nil
	}

	cfg, err := config.Load(o.configPath())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.Root != "" {
		cfg.Root = o.Root
	}

	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	}
	logger, err := logging.New(cmd.ErrOrStderr(), level, cfg.LogFormat)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid logging configuration", err)
	}

	tracing, err := telemetry.NewTracing(cfg.Trace, cmd.ErrOrStderr(), Version)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid tracing configuration", err)
	}

	var gate broker.Gate = broker.NewGlobalGate()
	if cfg.Gate == config.GatePerStore {
		gate = broker.NewPerStoreGate()
	}

	metrics := telemetry.NewMetrics()
	storeOpts := store.Options{BusyTimeout: cfg.BusyTimeout}
	b := broker.New(
		audit.NewLog(cfg.AuditPath()),
		eventsource.Opener(cfg.Root, storeOpts, projection.All()...),
		broker.Options{Gate: gate, Logger: logger, Metrics: metrics, Tracer: tracing.Tracer},
	)

	logger.Debug("environment ready", "root", cfg.Root, "gate", cfg.Gate, "trace", cfg.Trace)
	o.env = &Env{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Tracing:   tracing,
		Broker:    b,
		storeOpts: storeOpts,
		sources:   make(map[string]*eventsource.Source),
	}
	return o.env, nil
}

// configPath is --config, or config.yaml inside the state directory.
func (o *RootOptions) configPath() string {
	if o.ConfigPath != "" {
		return o.ConfigPath
	}
	root := o.Root
	if root == "" {
		root = os.Getenv("KEEL_ROOT")
	}
	if root == "" {
		root = config.DefaultRoot
	}
	return filepath.Join(root, config.FileName)
}

// Source returns the event source of subsystem, creating it on first use.
func (e *Env) Source(subsystem string) (*eventsource.Source, error) {
	if src, ok := e.sources[subsystem]; ok {
		return src, nil
	}
	p, err := projection.Lookup(subsystem)
	if err != nil {
		return nil, err
	}
	src, err := eventsource.New(e.Config.Root, e.Broker, p, eventsource.Options{
		Store:   e.storeOpts,
		Logger:  e.Logger,
		Metrics: e.Metrics,
		Tracer:  e.Tracing.Tracer,
	})
	if err != nil {
		return nil, err
	}
	e.sources[subsystem] = src
	return src, nil
}

// Close flushes spans and writes the metrics textfile when configured.
func (e *Env) Close() error {
	var errs []error
	if err := e.Tracing.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if e.Config.MetricsFile != "" {
		if err := e.Metrics.WriteTextfile(e.Config.MetricsFile); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
