package orchestrator

import (
	"context"
	"time"

	"github.com/tomyedwab/nodefleet/fleet"
	"github.com/tomyedwab/nodefleet/fleet/audit"
	"github.com/tomyedwab/nodefleet/fleet/control"
	"github.com/tomyedwab/nodefleet/fleet/registry"
	"github.com/tomyedwab/nodefleet/fleet/service"
)

// Start brings the selected instances to Running, one at a time in registry
// order. An instance is Running once it has answered an identity query on
// its control port; its peer id is recorded from that answer. Instances
// already Running are left alone.
func (o *Orchestrator) Start(ctx context.Context, reg *registry.Registry, sel Selection) error {
	records, err := sel.resolve(reg)
	if err != nil {
		return err
	}
	o.logger.Info("Starting instances", "selection", sel.String(), "count", len(records))
	return o.batch(len(records), func(i int) error {
		return o.startOne(ctx, records[i])
	})
}

func (o *Orchestrator) startOne(ctx context.Context, rec *fleet.InstanceRecord) error {
	logger := o.logger.With("serviceName", rec.ServiceName, "port", rec.RPCPort)
	if rec.Status == fleet.StatusRunning {
		logger.Info("Instance already running", "peerID", rec.PeerID)
		return nil
	}

	started := time.Now()
	if err := o.config.Backend.Start(ctx, service.Handle(rec.Handle)); err != nil {
		err = fleet.NewInstanceError(fleet.ErrorKindServiceStart, rec.ServiceName, "failed to start service", err)
		logger.Error("Start failed", "error", err)
		o.observe(audit.EventStart, rec, err)
		return err
	}

	client := o.config.Dial(rec.ControlAddr())
	info, err := control.WaitForNodeInfo(ctx, client, o.config.Backoff)
	if err != nil {
		err = fleet.NewInstanceError(fleet.ErrorKindHealthCheckTimeout, rec.ServiceName, "instance did not confirm its identity", err)
		logger.Error("Start failed", "error", err)
		o.observe(audit.EventStart, rec, err)
		return err
	}

	if rec.PeerID != "" && rec.PeerID != info.PeerID {
		logger.Warn("Instance reported a new peer id", "oldPeerID", rec.PeerID, "peerID", info.PeerID)
	}
	rec.PeerID = info.PeerID
	rec.Status = fleet.StatusRunning
	o.config.Metrics.ObserveStartup(time.Since(started))

	logger.Info("Instance running", "peerID", rec.PeerID)
	o.observe(audit.EventStart, rec, nil)
	return nil
}
