// Package service abstracts the host's mechanism for registering, starting
// and stopping background services.
//
// Backend is the capability every platform implementation satisfies; the
// orchestrators only ever talk to it. On Linux the implementation is
// SystemdBackend, which writes unit files and drives systemd over D-Bus.
package service

import (
	"context"
	"errors"
)

var (
	// ErrNotInstalled is returned when a handle names no host service entry.
	ErrNotInstalled = errors.New("service is not installed")
	// ErrAlreadyInstalled is returned by Install when the service entry already exists.
	ErrAlreadyInstalled = errors.New("service is already installed")
)

// Handle is the backend's opaque reference to one host service entry.
type Handle string

// State is the host-reported state of a service.
type State int

const (
	StateUnknown State = iota
	StateRunning
	StateStopped
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// InstallSpec describes the service entry to create for one instance.
type InstallSpec struct {
	Name       string   // Instance service name, e.g. "node1".
	BinaryPath string   // Executable the service runs.
	Args       []string // Arguments passed to the executable.
	User       string   // Account the service runs as.
	DataDir    string   // Working directory, owned by User.
	LogDir     string   // Log directory, owned by User.
}

// Backend installs and controls host-level services. Implementations wrap
// ErrNotInstalled when a handle does not refer to an installed service so
// callers can rely on identical error semantics across platforms.
type Backend interface {
	Install(ctx context.Context, spec InstallSpec) (Handle, error)
	Uninstall(ctx context.Context, handle Handle) error
	Start(ctx context.Context, handle Handle) error
	Stop(ctx context.Context, handle Handle) error
	Status(ctx context.Context, handle Handle) (State, error)
}

// Accounts creates the host accounts services run as.
type Accounts interface {
	// EnsureUser creates the named account if it does not exist. created
	// reports whether an account was added.
	EnsureUser(ctx context.Context, name string) (created bool, err error)
}
