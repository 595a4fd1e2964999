package orchestrator

import (
	"context"
	"errors"
	"os"

	"github.com/tomyedwab/nodefleet/fleet"
	"github.com/tomyedwab/nodefleet/fleet/audit"
	"github.com/tomyedwab/nodefleet/fleet/registry"
	"github.com/tomyedwab/nodefleet/fleet/service"
)

// Stop stops the selected instances and marks them Stopped. Instances that
// are already Stopped are left alone.
func (o *Orchestrator) Stop(ctx context.Context, reg *registry.Registry, sel Selection) error {
	records, err := sel.resolve(reg)
	if err != nil {
		return err
	}
	o.logger.Info("Stopping instances", "selection", sel.String(), "count", len(records))
	return o.batch(len(records), func(i int) error {
		return o.stopOne(ctx, records[i])
	})
}

func (o *Orchestrator) stopOne(ctx context.Context, rec *fleet.InstanceRecord) error {
	logger := o.logger.With("serviceName", rec.ServiceName)
	if rec.Status == fleet.StatusStopped {
		logger.Info("Instance already stopped")
		return nil
	}
	if err := o.config.Backend.Stop(ctx, service.Handle(rec.Handle)); err != nil {
		err = fleet.NewInstanceError(fleet.ErrorKindServiceStop, rec.ServiceName, "failed to stop service", err)
		logger.Error("Stop failed", "error", err)
		o.observe(audit.EventStop, rec, err)
		return err
	}
	rec.Status = fleet.StatusStopped
	logger.Info("Instance stopped")
	o.observe(audit.EventStop, rec, nil)
	return nil
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// KeepDirectories leaves the data and log directories on disk.
	KeepDirectories bool
}

// Remove stops and uninstalls the selected instances. Their records stay in
// the registry with status Removed so the name and port are not handed out
// again. Remove refuses the all selection.
func (o *Orchestrator) Remove(ctx context.Context, reg *registry.Registry, sel Selection, opts RemoveOptions) error {
	if sel.IsAll() {
		return fleet.NewError(fleet.ErrorKindAmbiguousSelection, "remove needs a service name or a peer id", nil)
	}
	records, err := sel.resolve(reg)
	if err != nil {
		return err
	}
	return o.batch(len(records), func(i int) error {
		return o.removeOne(ctx, records[i], opts)
	})
}

func (o *Orchestrator) removeOne(ctx context.Context, rec *fleet.InstanceRecord, opts RemoveOptions) error {
	logger := o.logger.With("serviceName", rec.ServiceName)
	handle := service.Handle(rec.Handle)

	fail := func(message string, cause error) error {
		err := fleet.NewInstanceError(fleet.ErrorKindServiceStop, rec.ServiceName, message, cause)
		logger.Error("Remove failed", "error", err)
		o.observe(audit.EventRemove, rec, err)
		return err
	}

	if err := o.config.Backend.Stop(ctx, handle); err != nil && !errors.Is(err, service.ErrNotInstalled) {
		return fail("failed to stop service", err)
	}
	rec.Status = fleet.StatusStopped
	if err := o.config.Backend.Uninstall(ctx, handle); err != nil && !errors.Is(err, service.ErrNotInstalled) {
		return fail("failed to uninstall service", err)
	}
	rec.Status = fleet.StatusRemoved
	rec.Handle = ""

	if !opts.KeepDirectories {
		for _, dir := range []string{rec.DataDir, rec.LogDir} {
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("Failed to remove directory", "path", dir, "error", err)
			}
		}
	}

	logger.Info("Instance removed", "keptDirectories", opts.KeepDirectories)
	o.observe(audit.EventRemove, rec, nil)
	return nil
}

// InstanceStatus pairs a record with the state the host reports for it.
type InstanceStatus struct {
	Record *fleet.InstanceRecord
	State  service.State
	// Err is set when the backend could not be queried.
	Err error
}

// Status reports the live backend state of every record. Removed records
// are reported without querying the backend.
func (o *Orchestrator) Status(ctx context.Context, reg *registry.Registry) []InstanceStatus {
	statuses := make([]InstanceStatus, 0, len(reg.Nodes))
	for _, rec := range reg.Nodes {
		st := InstanceStatus{Record: rec, State: service.StateUnknown}
		if rec.Status != fleet.StatusRemoved {
			st.State, st.Err = o.config.Backend.Status(ctx, service.Handle(rec.Handle))
		}
		statuses = append(statuses, st)
	}
	return statuses
}
