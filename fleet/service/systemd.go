//go:build linux

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"
	"github.com/godbus/dbus/v5"
)

const (
	defaultUnitDir    = "/etc/systemd/system"
	defaultUnitPrefix = "nodefleet-"
)

// SystemdConfig configures SystemdBackend.
type SystemdConfig struct {
	UnitDir    string       // Where unit files are written. Defaults to /etc/systemd/system.
	UnitPrefix string       // Prepended to the instance name to form the unit name.
	Socket     string       // Optional path of systemd's private socket; the system bus is used when empty.
	Logger     *slog.Logger // Optional, defaults to slog.Default()
}

// SystemdBackend registers each instance as a systemd service unit.
type SystemdBackend struct {
	unitDir    string
	unitPrefix string
	socket     string
	logger     *slog.Logger
}

// NewSystemdBackend creates a SystemdBackend.
func NewSystemdBackend(config SystemdConfig) *SystemdBackend {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	unitDir := config.UnitDir
	if unitDir == "" {
		unitDir = defaultUnitDir
	}
	prefix := config.UnitPrefix
	if prefix == "" {
		prefix = defaultUnitPrefix
	}
	return &SystemdBackend{
		unitDir:    unitDir,
		unitPrefix: prefix,
		socket:     config.Socket,
		logger:     logger.With("component", "SystemdBackend"),
	}
}

// UnitName returns the unit name used for an instance.
func (b *SystemdBackend) UnitName(serviceName string) string {
	return b.unitPrefix + serviceName + ".service"
}

// Install writes the unit file, hands the instance directories to the
// service account, reloads systemd and enables the unit. It does not start it.
func (b *SystemdBackend) Install(ctx context.Context, spec InstallSpec) (Handle, error) {
	unitName := b.UnitName(spec.Name)
	unitPath := filepath.Join(b.unitDir, unitName)

	if _, err := os.Stat(unitPath); err == nil {
		return "", fmt.Errorf("%w: %s", ErrAlreadyInstalled, unitPath)
	}

	if err := chownTree(spec.User, spec.DataDir, spec.LogDir); err != nil {
		return "", err
	}

	if err := b.writeUnit(unitPath, spec); err != nil {
		return "", err
	}

	conn, err := b.connect(ctx)
	if err != nil {
		os.Remove(unitPath)
		return "", err
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		os.Remove(unitPath)
		return "", fmt.Errorf("unable to execute daemon-reload: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unitPath}, false, true); err != nil {
		os.Remove(unitPath)
		conn.ReloadContext(ctx)
		return "", fmt.Errorf("unable to enable %s: %w", unitName, err)
	}

	b.logger.Info("Installed service unit", "unit", unitName, "path", unitPath, "user", spec.User)
	return Handle(unitName), nil
}

// Uninstall stops and disables the unit, removes its file and reloads systemd.
func (b *SystemdBackend) Uninstall(ctx context.Context, handle Handle) error {
	unitPath, err := b.installedUnitPath(handle)
	if err != nil {
		return err
	}

	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := b.runJob(ctx, handle, func(ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, string(handle), "replace", ch)
	}); err != nil {
		b.logger.Warn("Failed to stop unit before uninstall", "unit", handle, "error", err)
	}
	if _, err := conn.DisableUnitFilesContext(ctx, []string{string(handle)}, false); err != nil {
		return fmt.Errorf("unable to disable %s: %w", handle, err)
	}
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("unable to remove unit file %s: %w", unitPath, err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("unable to execute daemon-reload: %w", err)
	}

	b.logger.Info("Uninstalled service unit", "unit", handle)
	return nil
}

// Start asks systemd to start the unit and waits for the job to finish.
func (b *SystemdBackend) Start(ctx context.Context, handle Handle) error {
	if _, err := b.installedUnitPath(handle); err != nil {
		return err
	}
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return b.runJob(ctx, handle, func(ch chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, string(handle), "replace", ch)
	})
}

// Stop asks systemd to stop the unit and waits for the job to finish.
func (b *SystemdBackend) Stop(ctx context.Context, handle Handle) error {
	if _, err := b.installedUnitPath(handle); err != nil {
		return err
	}
	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return b.runJob(ctx, handle, func(ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, string(handle), "replace", ch)
	})
}

// Status maps the unit's ActiveState onto State.
func (b *SystemdBackend) Status(ctx context.Context, handle Handle) (State, error) {
	if _, err := b.installedUnitPath(handle); err != nil {
		return StateUnknown, err
	}
	conn, err := b.connect(ctx)
	if err != nil {
		return StateUnknown, err
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, string(handle))
	if err != nil {
		return StateUnknown, fmt.Errorf("unable to query %s: %w", handle, err)
	}
	if load, _ := props["LoadState"].(string); load == "not-found" {
		return StateUnknown, fmt.Errorf("%w: %s", ErrNotInstalled, handle)
	}
	active, ok := props["ActiveState"].(string)
	if !ok {
		return StateUnknown, fmt.Errorf("unable to handle queried ActiveState of %s: %#v", handle, props["ActiveState"])
	}
	return activeStateToState(active), nil
}

func activeStateToState(active string) State {
	switch active {
	case "active", "reloading":
		return StateRunning
	case "inactive", "failed":
		return StateStopped
	default:
		// activating / deactivating
		return StateUnknown
	}
}

func (b *SystemdBackend) installedUnitPath(handle Handle) (string, error) {
	if handle == "" || strings.ContainsRune(string(handle), os.PathSeparator) {
		return "", fmt.Errorf("%w: invalid handle %q", ErrNotInstalled, handle)
	}
	unitPath := filepath.Join(b.unitDir, string(handle))
	if _, err := os.Stat(unitPath); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotInstalled, handle)
	} else if err != nil {
		return "", fmt.Errorf("unable to stat unit file %s: %w", unitPath, err)
	}
	return unitPath, nil
}

// runJob submits a systemd job and waits for its result on the completion channel.
func (b *SystemdBackend) runJob(ctx context.Context, handle Handle, submit func(chan<- string) (int, error)) error {
	ch := make(chan string, 1)
	if _, err := submit(ch); err != nil {
		return fmt.Errorf("unable to submit job for %s: %w", handle, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("job for %s finished with result %q", handle, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job on %s: %w", handle, ctx.Err())
	}
}

func (b *SystemdBackend) writeUnit(unitPath string, spec InstallSpec) error {
	if err := os.MkdirAll(b.unitDir, 0755); err != nil {
		return fmt.Errorf("unable to create unit dir: %w", err)
	}

	f, err := os.OpenFile(unitPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("unable to create unit file: %w", err)
	}
	_, err = io.Copy(f, unit.Serialize(UnitOptions(spec)))
	if err != nil {
		f.Close()
		os.Remove(unitPath)
		return fmt.Errorf("unable to write unit file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("unable to close unit file: %w", err)
	}
	return nil
}

// UnitOptions returns the unit file content for an instance.
func UnitOptions(spec InstallSpec) []*unit.UnitOption {
	options := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", fmt.Sprintf("nodefleet node %s", spec.Name)),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Service", "ExecStart", execStart(spec.BinaryPath, spec.Args)),
		unit.NewUnitOption("Service", "Restart", "on-failure"),
		unit.NewUnitOption("Service", "RestartSec", "5"),
	}
	if spec.User != "" {
		options = append(options, unit.NewUnitOption("Service", "User", spec.User))
	}
	if spec.DataDir != "" {
		options = append(options, unit.NewUnitOption("Service", "WorkingDirectory", spec.DataDir))
	}
	options = append(options, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))
	return options
}

// execStart builds an ExecStart= value, quoting words that systemd would split.
func execStart(binary string, args []string) string {
	words := make([]string, 0, len(args)+1)
	for _, w := range append([]string{binary}, args...) {
		if w == "" || strings.ContainsAny(w, " \t\"'\\") {
			w = strconv.Quote(w)
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func (b *SystemdBackend) connect(ctx context.Context) (*sddbus.Conn, error) {
	if b.socket == "" {
		conn, err := sddbus.NewSystemConnectionContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to systemd: %w", err)
		}
		return conn, nil
	}

	socket := b.socket
	dialer := func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path=" + socket)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to systemd socket %s: %w", socket, err)
		}
		// Authenticate with the user's authority.
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		if err := conn.Auth(methods); err != nil {
			conn.Close()
			return nil, fmt.Errorf("unable to authenticate with systemd: %w", err)
		}
		return conn, nil
	}
	conn, err := sddbus.NewConnection(dialer)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to systemd: %w", err)
	}
	return conn, nil
}

// chownTree hands every path (recursively) to the named account.
func chownTree(username string, paths ...string) error {
	if username == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("unable to look up user %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("user %s has non-numeric uid %q", username, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("user %s has non-numeric gid %q", username, u.Gid)
	}

	for _, root := range paths {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return os.Lchown(path, uid, gid)
		})
		if err != nil {
			return fmt.Errorf("unable to hand %s to %s: %w", root, username, err)
		}
	}
	return nil
}

// NewHostBackend returns the service backend for this platform.
func NewHostBackend(config SystemdConfig) (Backend, error) {
	return NewSystemdBackend(config), nil
}
