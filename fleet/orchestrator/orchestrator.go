// Package orchestrator drives node instances through their lifecycle. It
// composes the registry, allocator, service backend, release resolver and
// control-plane client; each invocation loads the registry once, mutates it
// and saves it once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tomyedwab/nodefleet/fleet"
	"github.com/tomyedwab/nodefleet/fleet/allocator"
	"github.com/tomyedwab/nodefleet/fleet/audit"
	"github.com/tomyedwab/nodefleet/fleet/control"
	"github.com/tomyedwab/nodefleet/fleet/metrics"
	"github.com/tomyedwab/nodefleet/fleet/registry"
	"github.com/tomyedwab/nodefleet/fleet/release"
	"github.com/tomyedwab/nodefleet/fleet/service"
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Allocator *allocator.Allocator
	Backend   service.Backend
	Accounts  service.Accounts
	Resolver  release.Resolver
	Dial      control.Dialer

	// Audit and Metrics are optional.
	Audit   audit.Recorder
	Metrics *metrics.FleetMetrics
	// MetricsTextfile is written after every Invoke when set.
	MetricsTextfile string

	// DefaultUser runs instances when an install names no user.
	DefaultUser string
	// ControlSecretPath is the shared control-plane secret. Each installed
	// node gets its own copy in its data directory to verify tokens with.
	ControlSecretPath string
	// Backoff bounds the identity query after a start.
	Backoff control.Backoff
	// KeepGoing makes batch operations continue past per-instance failures
	// and report them all at the end. The default is to stop at the first.
	KeepGoing bool

	Logger *slog.Logger
}

// Orchestrator runs install, start, stop and remove against a registry.
type Orchestrator struct {
	config Config
	logger *slog.Logger
}

// New checks that the required collaborators are present.
func New(config Config) (*Orchestrator, error) {
	if config.Backend == nil {
		return nil, fmt.Errorf("service backend is required")
	}
	if config.Dial == nil {
		return nil, fmt.Errorf("control-plane dialer is required")
	}
	if config.Audit == nil {
		config.Audit = audit.Nop{}
	}
	if config.Backoff.Attempts == 0 {
		config.Backoff = control.DefaultBackoff
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Orchestrator{
		config: config,
		logger: config.Logger.With("component", "Orchestrator"),
	}, nil
}

// Invoke loads the registry at path, runs fn on it and saves it, whether or
// not fn succeeded. fn is not run when the registry cannot be loaded.
func (o *Orchestrator) Invoke(ctx context.Context, path string, fn func(ctx context.Context, reg *registry.Registry) error) error {
	reg, err := registry.Load(path)
	if err != nil {
		return err
	}

	runErr := fn(ctx, reg)

	var saveErr error
	if err := reg.Save(path); err != nil {
		saveErr = fmt.Errorf("failed to save registry: %w", err)
		o.logger.Error("Failed to save registry", "path", path, "error", err)
	}

	o.config.Metrics.SetInstances(reg.CountByStatus())
	if err := o.config.Metrics.WriteTextfile(o.config.MetricsTextfile); err != nil {
		o.logger.Warn("Failed to write metrics", "error", err)
	}

	return errors.Join(runErr, saveErr)
}

// batch runs fn over records in order, applying the KeepGoing policy.
func (o *Orchestrator) batch(n int, fn func(i int) error) error {
	var errs []error
	for i := 0; i < n; i++ {
		if err := fn(i); err != nil {
			if !o.config.KeepGoing {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// observe reports the outcome of one per-instance operation to the audit
// trail and metrics.
func (o *Orchestrator) observe(eventType audit.EventType, rec *fleet.InstanceRecord, err error) {
	o.config.Metrics.ObserveOperation(string(eventType), err)
	if auditErr := o.config.Audit.Record(eventType, rec, err); auditErr != nil {
		o.logger.Warn("Failed to write audit event", "serviceName", rec.ServiceName, "event", eventType, "error", auditErr)
	}
}
