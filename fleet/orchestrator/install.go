package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tomyedwab/nodefleet/fleet"
	"github.com/tomyedwab/nodefleet/fleet/allocator"
	"github.com/tomyedwab/nodefleet/fleet/audit"
	"github.com/tomyedwab/nodefleet/fleet/registry"
	"github.com/tomyedwab/nodefleet/fleet/release"
	"github.com/tomyedwab/nodefleet/fleet/service"
)

// InstallRequest describes one install invocation.
type InstallRequest struct {
	Count int
	// User overrides the default service account.
	User string
	// Version is a release version, or empty/"latest" for the newest.
	Version string
}

// Install registers req.Count new instances with the service backend and
// appends them to reg with status Installed. Instances installed before a
// failure stay registered and recorded; the returned slice holds them.
func (o *Orchestrator) Install(ctx context.Context, reg *registry.Registry, req InstallRequest) ([]*fleet.InstanceRecord, error) {
	if o.config.Allocator == nil || o.config.Resolver == nil || o.config.Accounts == nil {
		return nil, fmt.Errorf("install requires an allocator, a release resolver and an account manager")
	}

	artifact, err := o.config.Resolver.Resolve(ctx, req.Version)
	if err != nil {
		version := req.Version
		if version == "" {
			version = release.Latest
		}
		return nil, fleet.NewError(fleet.ErrorKindArtifactResolution, fmt.Sprintf("failed to resolve version %s", version), err)
	}

	descriptors, err := o.config.Allocator.Allocate(reg, req.Count)
	if err != nil {
		return nil, err
	}

	user := req.User
	if user == "" {
		user = o.config.DefaultUser
	}

	o.logger.Info("Installing instances", "count", len(descriptors), "version", artifact.Version, "user", user)

	var installed []*fleet.InstanceRecord
	for _, desc := range descriptors {
		rec, err := o.installOne(ctx, reg, desc, artifact, user)
		if err != nil {
			return installed, err
		}
		installed = append(installed, rec)
	}
	return installed, nil
}

func (o *Orchestrator) installOne(ctx context.Context, reg *registry.Registry, desc allocator.Descriptor, artifact release.Artifact, user string) (*fleet.InstanceRecord, error) {
	logger := o.logger.With("serviceName", desc.ServiceName, "port", desc.RPCPort)
	rec := &fleet.InstanceRecord{
		ServiceName: desc.ServiceName,
		RPCPort:     desc.RPCPort,
		Version:     artifact.Version,
		User:        user,
		BinaryPath:  desc.BinaryPath,
		DataDir:     desc.DataDir,
		LogDir:      desc.LogDir,
		Status:      fleet.StatusAdded,
	}

	fail := func(message string, cause error) (*fleet.InstanceRecord, error) {
		err := fleet.NewInstanceError(fleet.ErrorKindServiceRegistration, desc.ServiceName, message, cause)
		logger.Error("Install failed", "error", err)
		o.observe(audit.EventInstall, rec, err)
		return nil, err
	}

	if _, err := o.config.Accounts.EnsureUser(ctx, user); err != nil {
		return fail("failed to ensure service account "+user, err)
	}

	if err := provision(desc, artifact.BinaryPath); err != nil {
		return fail("failed to provision instance directories", err)
	}
	secretPath := ""
	if o.config.ControlSecretPath != "" {
		secretPath = InstanceSecretPath(desc)
		if err := copyFile(o.config.ControlSecretPath, secretPath, 0600); err != nil {
			return fail("failed to copy control secret", err)
		}
	}

	handle, err := o.config.Backend.Install(ctx, service.InstallSpec{
		Name:       desc.ServiceName,
		BinaryPath: desc.BinaryPath,
		Args:       NodeArgs(desc, secretPath),
		User:       user,
		DataDir:    desc.DataDir,
		LogDir:     desc.LogDir,
	})
	if errors.Is(err, service.ErrAlreadyInstalled) {
		return fail("a stale service entry with this name exists on the host and must be uninstalled first", err)
	}
	if err != nil {
		return fail("failed to register service", err)
	}

	rec.Handle = string(handle)
	rec.Status = fleet.StatusInstalled
	if err := reg.Add(rec); err != nil {
		// The allocator never hands out a taken name or port, so this is a
		// registry bug. Drop the service entry rather than leave it unrecorded.
		if uninstallErr := o.config.Backend.Uninstall(ctx, handle); uninstallErr != nil {
			logger.Error("Failed to roll back service entry", "handle", handle, "error", uninstallErr)
		}
		rec.Status = fleet.StatusAdded
		return fail("failed to record instance", err)
	}

	logger.Info("Installed instance", "handle", handle, "binaryPath", desc.BinaryPath)
	o.observe(audit.EventInstall, rec, nil)
	return rec, nil
}

// InstanceSecretPath is the per-instance copy of the control secret. It lives
// in the data directory so the service account owns it.
func InstanceSecretPath(desc allocator.Descriptor) string {
	return filepath.Join(desc.DataDir, instanceSecretFile)
}

const instanceSecretFile = "control.key"

// NodeArgs returns the command line a node instance is launched with.
func NodeArgs(desc allocator.Descriptor, controlSecretPath string) []string {
	args := []string{
		"--rpc", "127.0.0.1:" + strconv.Itoa(desc.RPCPort),
		"--root-dir", desc.DataDir,
		"--log-output-dest", desc.LogDir,
	}
	if controlSecretPath != "" {
		args = append(args, "--control-secret", controlSecretPath)
	}
	return args
}

// provision creates the instance's directories and copies the verified
// binary to its per-instance location.
func provision(desc allocator.Descriptor, binary string) error {
	for _, dir := range []string{desc.DataDir, desc.LogDir, filepath.Dir(desc.BinaryPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return copyFile(binary, desc.BinaryPath, 0755)
}

// copyFile writes src to dest atomically with the given mode.
func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
