package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/nodefleet/fleet"
	"github.com/tomyedwab/nodefleet/fleet/allocator"
	"github.com/tomyedwab/nodefleet/fleet/audit"
	"github.com/tomyedwab/nodefleet/fleet/control"
	"github.com/tomyedwab/nodefleet/fleet/metrics"
	"github.com/tomyedwab/nodefleet/fleet/registry"
	"github.com/tomyedwab/nodefleet/fleet/release"
	"github.com/tomyedwab/nodefleet/fleet/service"
)

type fakeResolver struct {
	artifact release.Artifact
	err      error
	requests []string
}

func (f *fakeResolver) Resolve(ctx context.Context, version string) (release.Artifact, error) {
	f.requests = append(f.requests, version)
	if f.err != nil {
		return release.Artifact{}, f.err
	}
	return f.artifact, nil
}

type auditEvent struct {
	eventType   audit.EventType
	serviceName string
	failed      bool
}

type recordingAudit struct {
	mu     sync.Mutex
	events []auditEvent
}

func (r *recordingAudit) Record(eventType audit.EventType, rec *fleet.InstanceRecord, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, auditEvent{eventType, rec.ServiceName, cause != nil})
	return nil
}

type harness struct {
	orch     *Orchestrator
	backend  *service.MockBackend
	accounts *service.MockAccounts
	dialer   *control.MockDialer
	resolver *fakeResolver
	audit    *recordingAudit
	root     string
	store    string
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	root := t.TempDir()

	binary := filepath.Join(root, "cache", "node")
	require.NoError(t, os.MkdirAll(filepath.Dir(binary), 0755))
	require.NoError(t, os.WriteFile(binary, []byte("node binary 1.2.0"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "control.key"), []byte("shared secret"), 0600))

	alloc, err := allocator.New(allocator.Config{
		BasePort:    12001,
		Prefix:      "node",
		BinaryName:  "node",
		ServicesDir: filepath.Join(root, "services"),
		LogRoot:     filepath.Join(root, "logs"),
	})
	require.NoError(t, err)

	h := &harness{
		backend:  service.NewMockBackend(),
		accounts: service.NewMockAccounts(),
		dialer:   control.NewMockDialer(),
		resolver: &fakeResolver{artifact: release.Artifact{Version: "1.2.0", BinaryPath: binary}},
		audit:    &recordingAudit{},
		root:     root,
		store:    filepath.Join(root, "state", "registry.json"),
	}
	config := Config{
		Allocator:         alloc,
		Backend:           h.backend,
		Accounts:          h.accounts,
		Resolver:          h.resolver,
		Dial:              h.dialer.Dial,
		Audit:             h.audit,
		DefaultUser:       "nodefleet",
		ControlSecretPath: filepath.Join(root, "control.key"),
		Backoff:           control.Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	}
	for _, m := range mutate {
		m(&config)
	}
	h.orch, err = New(config)
	require.NoError(t, err)
	return h
}

// healthy makes the instance on port answer with peerID.
func (h *harness) healthy(port int, peerID string) {
	h.dialer.Set(fmt.Sprintf("127.0.0.1:%d", port), &control.MockClient{Info: control.NodeInfo{PeerID: peerID}})
}

func (h *harness) install(t *testing.T, reg *registry.Registry, count int) []*fleet.InstanceRecord {
	t.Helper()
	recs, err := h.orch.Install(context.Background(), reg, InstallRequest{Count: count, Version: "1.2.0"})
	require.NoError(t, err)
	return recs
}

func TestInstallThenStartAllScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.orch.Invoke(ctx, h.store, func(ctx context.Context, reg *registry.Registry) error {
		_, err := h.orch.Install(ctx, reg, InstallRequest{Count: 2, Version: "1.2.0"})
		return err
	})
	require.NoError(t, err)

	reg, err := registry.Load(h.store)
	require.NoError(t, err)
	require.Len(t, reg.Nodes, 2)
	for i, rec := range reg.Nodes {
		require.Equal(t, fmt.Sprintf("node%d", i+1), rec.ServiceName)
		require.Equal(t, 12001+i, rec.RPCPort)
		require.Equal(t, fleet.StatusInstalled, rec.Status)
		require.Equal(t, "1.2.0", rec.Version)
		require.Equal(t, "nodefleet", rec.User)
		require.Empty(t, rec.PeerID)
		require.True(t, h.backend.Installed(service.Handle(rec.Handle)))

		data, err := os.ReadFile(rec.BinaryPath)
		require.NoError(t, err)
		require.Equal(t, "node binary 1.2.0", string(data))
		require.DirExists(t, rec.DataDir)
		require.DirExists(t, rec.LogDir)
	}
	require.Equal(t, []string{"nodefleet"}, h.accounts.Created)

	h.healthy(12001, "peer-a")
	h.healthy(12002, "peer-b")
	err = h.orch.Invoke(ctx, h.store, func(ctx context.Context, reg *registry.Registry) error {
		return h.orch.Start(ctx, reg, All())
	})
	require.NoError(t, err)

	reg, err = registry.Load(h.store)
	require.NoError(t, err)
	require.Equal(t, fleet.StatusRunning, reg.Nodes[0].Status)
	require.Equal(t, fleet.StatusRunning, reg.Nodes[1].Status)
	require.Equal(t, "peer-a", reg.Nodes[0].PeerID)
	require.Equal(t, "peer-b", reg.Nodes[1].PeerID)
	require.Equal(t, []string{"127.0.0.1:12001", "127.0.0.1:12002"}, h.dialer.Dialed)
}

func TestInstallPassesNodeArgs(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	recs := h.install(t, reg, 1)

	spec, ok := h.backend.Spec(service.Handle(recs[0].Handle))
	require.True(t, ok)
	require.Equal(t, recs[0].BinaryPath, spec.BinaryPath)
	require.Equal(t, []string{
		"--rpc", "127.0.0.1:12001",
		"--root-dir", recs[0].DataDir,
		"--log-output-dest", recs[0].LogDir,
		"--control-secret", filepath.Join(recs[0].DataDir, "control.key"),
	}, spec.Args)
	require.Equal(t, "nodefleet", spec.User)
}

func TestInstallGivesEachNodeItsOwnSecret(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	recs := h.install(t, reg, 2)

	for _, rec := range recs {
		spec, ok := h.backend.Spec(service.Handle(rec.Handle))
		require.True(t, ok)
		secretPath := spec.Args[len(spec.Args)-1]
		require.Equal(t, "--control-secret", spec.Args[len(spec.Args)-2])

		// The backend hands DataDir to the service account, so the copy
		// must live inside it.
		rel, err := filepath.Rel(spec.DataDir, secretPath)
		require.NoError(t, err)
		require.False(t, strings.HasPrefix(rel, ".."), "secret %s outside %s", secretPath, spec.DataDir)

		data, err := os.ReadFile(secretPath)
		require.NoError(t, err)
		require.Equal(t, "shared secret", string(data))
		info, err := os.Stat(secretPath)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestInstallLeavesAccountLoggingToAccounts(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, func(c *Config) { c.Logger = slog.New(slog.NewTextHandler(&logs, nil)) })
	reg := registry.New()
	h.install(t, reg, 2)

	require.Equal(t, []string{"nodefleet"}, h.accounts.Created)
	require.NotContains(t, logs.String(), "Created service account")
	require.Contains(t, logs.String(), "Installed instance")
}

func TestInstallWithoutControlSecret(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ControlSecretPath = "" })
	reg := registry.New()
	recs := h.install(t, reg, 1)

	spec, _ := h.backend.Spec(service.Handle(recs[0].Handle))
	require.NotContains(t, spec.Args, "--control-secret")
	require.NoFileExists(t, filepath.Join(recs[0].DataDir, "control.key"))
}

func TestInstallUserOverride(t *testing.T) {
	h := newHarness(t)
	h.accounts.Existing["nodefleet"] = true
	reg := registry.New()

	recs, err := h.orch.Install(context.Background(), reg, InstallRequest{Count: 1, User: "alice"})
	require.NoError(t, err)
	require.Equal(t, "alice", recs[0].User)
	require.Equal(t, []string{"alice"}, h.accounts.Created)
	require.Equal(t, []string{""}, h.resolver.requests)

	// A second install for an existing account creates nothing.
	_, err = h.orch.Install(context.Background(), reg, InstallRequest{Count: 1, User: "alice"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, h.accounts.Created)
}

func TestInstallResolutionFailureMutatesNothing(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = fmt.Errorf("%w: version 9.9.9", release.ErrNotFound)
	reg := registry.New()

	recs, err := h.orch.Install(context.Background(), reg, InstallRequest{Count: 2, Version: "9.9.9"})
	require.Error(t, err)
	require.True(t, fleet.IsKind(err, fleet.ErrorKindArtifactResolution))
	require.ErrorIs(t, err, release.ErrNotFound)
	require.Empty(t, recs)
	require.Empty(t, reg.Nodes)
	require.Empty(t, h.backend.Calls())
	require.Empty(t, h.accounts.Created)
	require.NoDirExists(t, filepath.Join(h.root, "services"))
}

func TestInstallAllocationFailure(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()

	_, err := h.orch.Install(context.Background(), reg, InstallRequest{Count: 0})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindAllocation))
	require.Empty(t, h.backend.Calls())
}

func TestInstallPartialFailureKeepsEarlierInstances(t *testing.T) {
	h := newHarness(t)
	h.backend.FailInstall["node2"] = errors.New("unit dir read-only")
	reg := registry.New()

	recs, err := h.orch.Install(context.Background(), reg, InstallRequest{Count: 3})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindServiceRegistration))
	require.Contains(t, err.Error(), "node2")

	require.Len(t, recs, 1)
	require.Len(t, reg.Nodes, 1)
	require.Equal(t, "node1", reg.Nodes[0].ServiceName)
	require.Equal(t, 2, h.backend.CallCount("Install"), "node3 must not be attempted")

	// No dangling records: every record has a backend entry.
	for _, rec := range reg.Nodes {
		require.True(t, h.backend.Installed(service.Handle(rec.Handle)))
	}
	require.Equal(t, []auditEvent{
		{audit.EventInstall, "node1", false},
		{audit.EventInstall, "node2", true},
	}, h.audit.events)
}

func TestInstallAccountFailure(t *testing.T) {
	h := newHarness(t)
	h.accounts.Fail["bob"] = errors.New("useradd: permission denied")
	reg := registry.New()

	_, err := h.orch.Install(context.Background(), reg, InstallRequest{Count: 1, User: "bob"})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindServiceRegistration))
	require.Empty(t, reg.Nodes)
	require.Zero(t, h.backend.CallCount("Install"))
}

func TestInstallReusesFreedOrdinal(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 2)

	// node2 removed by hand, both from the host and from the registry.
	require.NoError(t, h.backend.Uninstall(context.Background(), service.Handle(reg.Nodes[1].Handle)))
	reg.Nodes = reg.Nodes[:1]

	recs := h.install(t, reg, 1)
	require.Equal(t, "node2", recs[0].ServiceName)
	require.Equal(t, 12002, recs[0].RPCPort)
}

func TestInstallStaleServiceEntry(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 2)

	// The record is gone but the host still has the service entry.
	reg.Nodes = reg.Nodes[:1]

	_, err := h.orch.Install(context.Background(), reg, InstallRequest{Count: 1})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindServiceRegistration))
	require.ErrorIs(t, err, service.ErrAlreadyInstalled)
	require.Contains(t, err.Error(), "stale service entry")
	require.Len(t, reg.Nodes, 1)
}

func TestInstallUniquenessAcrossInvocations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, count := range []int{2, 1, 3} {
		err := h.orch.Invoke(ctx, h.store, func(ctx context.Context, reg *registry.Registry) error {
			_, err := h.orch.Install(ctx, reg, InstallRequest{Count: count})
			return err
		})
		require.NoError(t, err)
	}

	reg, err := registry.Load(h.store)
	require.NoError(t, err)
	require.Len(t, reg.Nodes, 6)
	require.Len(t, reg.Names(), 6)
	require.Len(t, reg.Ports(), 6)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 1)
	h.healthy(12001, "peer-a")

	sel, err := NewSelection("node1", "")
	require.NoError(t, err)
	require.NoError(t, h.orch.Start(context.Background(), reg, sel))
	require.Equal(t, 1, h.backend.CallCount("Start"))

	// Even if the node would now report something else, a running
	// instance is left alone.
	h.healthy(12001, "peer-other")
	require.NoError(t, h.orch.Start(context.Background(), reg, sel))
	require.Equal(t, 1, h.backend.CallCount("Start"))
	require.Equal(t, "peer-a", reg.Nodes[0].PeerID)
	require.Equal(t, 12001, reg.Nodes[0].RPCPort)
}

func TestNewSelectionExclusive(t *testing.T) {
	_, err := NewSelection("node1", "peer-a")
	require.True(t, fleet.IsKind(err, fleet.ErrorKindAmbiguousSelection))

	sel, err := NewSelection("", "")
	require.NoError(t, err)
	require.True(t, sel.IsAll())
}

func TestStartNotFoundLeavesRegistryUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.orch.Invoke(ctx, h.store, func(ctx context.Context, reg *registry.Registry) error {
		_, err := h.orch.Install(ctx, reg, InstallRequest{Count: 1})
		return err
	}))
	before, err := os.ReadFile(h.store)
	require.NoError(t, err)

	sel, err := NewSelection("node9", "")
	require.NoError(t, err)
	err = h.orch.Invoke(ctx, h.store, func(ctx context.Context, reg *registry.Registry) error {
		return h.orch.Start(ctx, reg, sel)
	})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindNotFound))
	require.Zero(t, h.backend.CallCount("Start"))

	after, err := os.ReadFile(h.store)
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
}

func TestStartByPeerIDNeedsConfirmedIdentity(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 2)
	h.healthy(12001, "peer-a")

	sel, _ := NewSelection("node1", "")
	require.NoError(t, h.orch.Start(context.Background(), reg, sel))
	require.NoError(t, h.orch.Stop(context.Background(), reg, sel))

	byPeer, _ := NewSelection("", "peer-a")
	require.NoError(t, h.orch.Start(context.Background(), reg, byPeer))
	require.Equal(t, fleet.StatusRunning, reg.Nodes[0].Status)

	unknown, _ := NewSelection("", "peer-b")
	err := h.orch.Start(context.Background(), reg, unknown)
	require.True(t, fleet.IsKind(err, fleet.ErrorKindNotFound))
	require.Equal(t, fleet.StatusInstalled, reg.Nodes[1].Status)
}

func TestStartFailFast(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 3)
	h.healthy(12001, "peer-a")
	h.healthy(12003, "peer-c")
	h.backend.FailStart[h.backend.HandleFor("node2")] = errors.New("unit failed")

	err := h.orch.Start(context.Background(), reg, All())
	require.True(t, fleet.IsKind(err, fleet.ErrorKindServiceStart))
	require.Contains(t, err.Error(), "node2")

	require.Equal(t, fleet.StatusRunning, reg.Nodes[0].Status)
	require.Equal(t, fleet.StatusInstalled, reg.Nodes[1].Status)
	require.Equal(t, fleet.StatusInstalled, reg.Nodes[2].Status)
	require.Equal(t, 2, h.backend.CallCount("Start"), "node3 must not be attempted")
}

func TestStartKeepGoing(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.KeepGoing = true })
	reg := registry.New()
	h.install(t, reg, 3)
	h.healthy(12001, "peer-a")
	h.healthy(12003, "peer-c")
	h.backend.FailStart[h.backend.HandleFor("node2")] = errors.New("unit failed")

	err := h.orch.Start(context.Background(), reg, All())
	require.True(t, fleet.IsKind(err, fleet.ErrorKindServiceStart))
	require.Equal(t, fleet.StatusRunning, reg.Nodes[0].Status)
	require.Equal(t, fleet.StatusInstalled, reg.Nodes[1].Status)
	require.Equal(t, fleet.StatusRunning, reg.Nodes[2].Status)
	require.Equal(t, "peer-c", reg.Nodes[2].PeerID)
}

func TestStartHealthCheckTimeout(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 1)
	client := &control.MockClient{}
	h.dialer.Set("127.0.0.1:12001", client)

	err := h.orch.Start(context.Background(), reg, All())
	require.True(t, fleet.IsKind(err, fleet.ErrorKindHealthCheckTimeout))
	require.ErrorIs(t, err, control.ErrUnreachable)
	require.Equal(t, 3, client.Calls())
	require.Equal(t, fleet.StatusInstalled, reg.Nodes[0].Status)
	require.Empty(t, reg.Nodes[0].PeerID)
}

func TestStartRecoversAfterRetries(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 1)
	h.dialer.Set("127.0.0.1:12001", &control.MockClient{
		Info:   control.NodeInfo{PeerID: "peer-late"},
		Errors: []error{errors.New("connection refused"), errors.New("connection refused")},
	})

	require.NoError(t, h.orch.Start(context.Background(), reg, All()))
	require.Equal(t, "peer-late", reg.Nodes[0].PeerID)
}

func TestStopAndRestart(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 2)
	h.healthy(12001, "peer-a")
	h.healthy(12002, "peer-b")
	require.NoError(t, h.orch.Start(context.Background(), reg, All()))

	require.NoError(t, h.orch.Stop(context.Background(), reg, All()))
	for _, rec := range reg.Nodes {
		require.Equal(t, fleet.StatusStopped, rec.Status)
	}
	require.Equal(t, 2, h.backend.CallCount("Stop"))

	// Already stopped instances are skipped.
	require.NoError(t, h.orch.Stop(context.Background(), reg, All()))
	require.Equal(t, 2, h.backend.CallCount("Stop"))

	require.NoError(t, h.orch.Start(context.Background(), reg, All()))
	require.Equal(t, fleet.StatusRunning, reg.Nodes[0].Status)
	require.Equal(t, "peer-a", reg.Nodes[0].PeerID)
}

func TestStopFailure(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	recs := h.install(t, reg, 1)
	h.backend.FailStop[service.Handle(recs[0].Handle)] = errors.New("timeout")

	err := h.orch.Stop(context.Background(), reg, All())
	require.True(t, fleet.IsKind(err, fleet.ErrorKindServiceStop))
	require.Equal(t, fleet.StatusInstalled, reg.Nodes[0].Status)
}

func TestRemoveKeepsNameAndPortReserved(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	recs := h.install(t, reg, 1)
	handle := service.Handle(recs[0].Handle)

	sel, _ := NewSelection("node1", "")
	require.NoError(t, h.orch.Remove(context.Background(), reg, sel, RemoveOptions{}))
	require.Equal(t, fleet.StatusRemoved, reg.Nodes[0].Status)
	require.Empty(t, reg.Nodes[0].Handle)
	require.False(t, h.backend.Installed(handle))
	require.NoDirExists(t, recs[0].DataDir)
	require.NoDirExists(t, recs[0].LogDir)

	next := h.install(t, reg, 1)
	require.Equal(t, "node2", next[0].ServiceName)
	require.Equal(t, 12002, next[0].RPCPort)

	// Removed instances are invisible to start, both in all mode and by name.
	h.healthy(12002, "peer-b")
	require.NoError(t, h.orch.Start(context.Background(), reg, All()))
	require.Equal(t, fleet.StatusRemoved, reg.Nodes[0].Status)
	require.Equal(t, fleet.StatusRunning, reg.Nodes[1].Status)

	err := h.orch.Start(context.Background(), reg, sel)
	require.True(t, fleet.IsKind(err, fleet.ErrorKindNotFound))
}

func TestRemoveUninstallFailureRecordsStop(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	recs := h.install(t, reg, 1)
	handle := service.Handle(recs[0].Handle)
	h.healthy(12001, "peer-a")
	require.NoError(t, h.orch.Start(context.Background(), reg, All()))
	h.backend.FailUninstall[handle] = errors.New("disable failed")

	sel, _ := NewSelection("node1", "")
	err := h.orch.Remove(context.Background(), reg, sel, RemoveOptions{})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindServiceStop))
	require.Equal(t, fleet.StatusStopped, reg.Nodes[0].Status)
	require.Equal(t, string(handle), reg.Nodes[0].Handle)
	require.DirExists(t, recs[0].DataDir)

	// The stopped instance is picked up by the next start.
	require.NoError(t, h.orch.Start(context.Background(), reg, All()))
	require.Equal(t, 2, h.backend.CallCount("Start"))
	require.Equal(t, fleet.StatusRunning, reg.Nodes[0].Status)

	delete(h.backend.FailUninstall, handle)
	require.NoError(t, h.orch.Remove(context.Background(), reg, sel, RemoveOptions{}))
	require.Equal(t, fleet.StatusRemoved, reg.Nodes[0].Status)
}

func TestRemoveKeepDirectoriesAndRefuseAll(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	recs := h.install(t, reg, 1)

	err := h.orch.Remove(context.Background(), reg, All(), RemoveOptions{})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindAmbiguousSelection))
	require.Equal(t, fleet.StatusInstalled, reg.Nodes[0].Status)

	sel, _ := NewSelection("node1", "")
	require.NoError(t, h.orch.Remove(context.Background(), reg, sel, RemoveOptions{KeepDirectories: true}))
	require.DirExists(t, recs[0].DataDir)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	reg := registry.New()
	h.install(t, reg, 2)
	h.healthy(12001, "peer-a")
	sel, _ := NewSelection("node1", "")
	require.NoError(t, h.orch.Start(context.Background(), reg, sel))

	reg.Nodes = append(reg.Nodes, &fleet.InstanceRecord{ServiceName: "node3", RPCPort: 12003, Status: fleet.StatusRemoved})
	reg.Nodes = append(reg.Nodes, &fleet.InstanceRecord{ServiceName: "node4", RPCPort: 12004, Status: fleet.StatusInstalled, Handle: "gone"})

	statuses := h.orch.Status(context.Background(), reg)
	require.Len(t, statuses, 4)
	require.Equal(t, service.StateRunning, statuses[0].State)
	require.Equal(t, service.StateStopped, statuses[1].State)
	require.Equal(t, service.StateUnknown, statuses[2].State)
	require.NoError(t, statuses[2].Err)
	require.ErrorIs(t, statuses[3].Err, service.ErrNotInstalled)
}

func TestInvokeSavesAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.FailInstall["node2"] = errors.New("boom")

	err := h.orch.Invoke(context.Background(), h.store, func(ctx context.Context, reg *registry.Registry) error {
		_, err := h.orch.Install(ctx, reg, InstallRequest{Count: 2})
		return err
	})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindServiceRegistration))

	reg, err := registry.Load(h.store)
	require.NoError(t, err)
	require.Len(t, reg.Nodes, 1)
	require.Equal(t, "node1", reg.Nodes[0].ServiceName)
}

func TestInvokeCorruptRegistry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.store), 0755))
	require.NoError(t, os.WriteFile(h.store, []byte(`{"nodes": [`), 0644))

	called := false
	err := h.orch.Invoke(context.Background(), h.store, func(ctx context.Context, reg *registry.Registry) error {
		called = true
		return nil
	})
	require.True(t, fleet.IsKind(err, fleet.ErrorKindCorruptRegistry))
	require.False(t, called)

	data, err := os.ReadFile(h.store)
	require.NoError(t, err)
	require.Equal(t, `{"nodes": [`, string(data), "a corrupt registry must not be overwritten")
}

func TestInvokeWritesMetrics(t *testing.T) {
	textfile := filepath.Join(t.TempDir(), "nodefleet.prom")
	h := newHarness(t, func(c *Config) {
		c.Metrics = metrics.New()
		c.MetricsTextfile = textfile
	})

	err := h.orch.Invoke(context.Background(), h.store, func(ctx context.Context, reg *registry.Registry) error {
		_, err := h.orch.Install(ctx, reg, InstallRequest{Count: 2})
		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(textfile)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), `nodefleet_instances{status="Installed"} 2`), string(data))
	require.True(t, strings.Contains(string(data), `nodefleet_operations_total{operation="install",outcome="success"} 2`), string(data))
}

func TestNewRequiresBackendAndDialer(t *testing.T) {
	_, err := New(Config{Dial: control.NewMockDialer().Dial})
	require.Error(t, err)
	_, err = New(Config{Backend: service.NewMockBackend()})
	require.Error(t, err)
}
