package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/tomyedwab/nodefleet/fleet/allocator"
	"github.com/tomyedwab/nodefleet/fleet/audit"
	"github.com/tomyedwab/nodefleet/fleet/config"
	"github.com/tomyedwab/nodefleet/fleet/control"
	"github.com/tomyedwab/nodefleet/fleet/metrics"
	"github.com/tomyedwab/nodefleet/fleet/orchestrator"
	"github.com/tomyedwab/nodefleet/fleet/registry"
	"github.com/tomyedwab/nodefleet/fleet/release"
	"github.com/tomyedwab/nodefleet/fleet/service"
)

// globalFlags are accepted by every command that touches the fleet.
type globalFlags struct {
	configPath string
	logFormat  string
	logLevel   string
}

func (g *globalFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "", "config file (default: $"+config.EnvConfig+" or built-in defaults)")
	flagSet.StringVar(&g.logFormat, "log-format", "", "log format: text or json (overrides config)")
	flagSet.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
}

// app holds what a command needs after configuration has been loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	closers []io.Closer
}

func (g *globalFlags) load(stderr io.Writer) (*app, error) {
	var cfg *config.Config
	var err error
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	logger, err := newLogger(stderr, cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return &app{cfg: cfg, logger: logger}, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
}

// requireRoot fails unless the process runs with effective uid 0.
func requireRoot(command string) error {
	if unix.Geteuid() != 0 {
		return fmt.Errorf("%s must be run as root", command)
	}
	return nil
}

// orchestratorOptions carries the per-command knobs that affect wiring.
type orchestratorOptions struct {
	install   bool
	binary    string
	version   string
	keepGoing bool
	// readOnly skips everything that writes to disk: the control secret,
	// the audit trail and the metrics textfile.
	readOnly bool
}

// orchestrator wires the host backend, control-plane client, audit trail
// and metrics from configuration. The release resolver and account manager
// are only built for installs.
func (a *app) orchestrator(opts orchestratorOptions) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg

	backend, err := service.NewHostBackend(service.SystemdConfig{
		UnitDir:    cfg.Service.UnitDir,
		UnitPrefix: cfg.Service.UnitPrefix,
		Socket:     cfg.Service.Socket,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}

	orchConfig := orchestrator.Config{
		Backend:     backend,
		DefaultUser: cfg.Service.DefaultUser,
		Backoff: control.Backoff{
			Attempts: cfg.Health.Attempts,
			Initial:  cfg.Health.InitialBackoff,
			Max:      cfg.Health.MaxBackoff,
		},
		KeepGoing: opts.keepGoing,
		Logger:    a.logger,
	}

	if opts.readOnly {
		orchConfig.Dial = control.NewHTTPDialer(control.HTTPConfig{RequestTimeout: cfg.Health.RequestTimeout})
		return orchestrator.New(orchConfig)
	}

	secret, err := control.LoadSecret(cfg.Paths.ControlSecret)
	if err != nil {
		return nil, err
	}
	orchConfig.Dial = control.NewHTTPDialer(control.HTTPConfig{
		Secret:         secret,
		RequestTimeout: cfg.Health.RequestTimeout,
	})
	orchConfig.ControlSecretPath = cfg.Paths.ControlSecret

	if cfg.Metrics.Textfile != "" {
		orchConfig.Metrics = metrics.New()
		orchConfig.MetricsTextfile = cfg.Metrics.Textfile
	}

	if auditLog := a.openAudit(); auditLog != nil {
		a.pruneAudit(auditLog)
		orchConfig.Audit = auditLog
	}

	if opts.install {
		orchConfig.Allocator, err = allocator.New(allocator.Config{
			BasePort:    cfg.Allocator.BasePort,
			MaxPort:     cfg.Allocator.MaxPort,
			Prefix:      cfg.Allocator.Prefix,
			BinaryName:  cfg.Allocator.BinaryName,
			ServicesDir: cfg.Paths.ServicesDir,
			LogRoot:     cfg.Paths.LogRoot,
		})
		if err != nil {
			return nil, err
		}
		orchConfig.Accounts, err = service.NewHostAccounts(a.logger)
		if err != nil {
			return nil, err
		}
		orchConfig.Resolver, err = a.resolver(opts)
		if err != nil {
			return nil, err
		}
	}

	return orchestrator.New(orchConfig)
}

// openAudit opens the audit trail, or returns nil when it is disabled or
// cannot be opened. The trail never blocks a lifecycle command.
func (a *app) openAudit() *audit.Logger {
	path := a.cfg.Paths.AuditDB
	if path == "" {
		return nil
	}
	auditLog, err := audit.Open(path)
	if err != nil {
		a.logger.Warn("Audit trail disabled", "path", path, "error", err)
		return nil
	}
	a.closers = append(a.closers, auditLog)
	return auditLog
}

func (a *app) pruneAudit(auditLog *audit.Logger) {
	retention := a.cfg.Audit.Retention
	if retention == 0 {
		return
	}
	deleted, err := auditLog.DeleteOldEvents(retention)
	if err != nil {
		a.logger.Warn("Failed to prune audit trail", "error", err)
		return
	}
	if deleted > 0 {
		a.logger.Debug("Pruned audit trail", "deleted", deleted, "retention", retention)
	}
}

func (a *app) resolver(opts orchestratorOptions) (release.Resolver, error) {
	if opts.binary != "" {
		version := opts.version
		if version == "" || version == release.Latest {
			version = "local"
		}
		return release.StaticResolver{Version: version, BinaryPath: opts.binary}, nil
	}
	if a.cfg.Release.RepositoryURL == "" {
		return nil, errors.New("no release repository configured: set release.repository_url or pass --binary")
	}
	resolver, err := release.NewHTTPResolver(release.Config{
		RepositoryURL: a.cfg.Release.RepositoryURL,
		CacheDir:      a.cfg.Paths.ReleaseCache,
		BinaryName:    a.cfg.Allocator.BinaryName,
		Platform:      a.cfg.Release.Platform,
		Timeout:       a.cfg.Release.Timeout,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, resolver)
	return resolver, nil
}

// invoke runs fn against the registry under the load-mutate-save contract.
func (a *app) invoke(ctx context.Context, orch *orchestrator.Orchestrator, fn func(ctx context.Context, reg *registry.Registry) error) error {
	return orch.Invoke(ctx, a.cfg.Paths.Registry, fn)
}

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)
