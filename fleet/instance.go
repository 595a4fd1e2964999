// Package fleet holds the types shared by every part of the node fleet
// manager: the per-instance record kept in the registry, its lifecycle
// status, and the error kinds the orchestrators report.
package fleet

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a node instance as recorded in the registry.
type Status int

const (
	// StatusAdded means resources were allocated but the host service does not exist yet.
	StatusAdded Status = iota
	// StatusInstalled means the host service is registered but has not been confirmed running.
	StatusInstalled
	// StatusRunning means the instance answered a control-plane identity query.
	StatusRunning
	// StatusStopped means the instance was stopped through the service backend.
	StatusStopped
	// StatusRemoved means the host service was uninstalled. The record keeps its
	// name and port reserved.
	StatusRemoved
)

// String returns a string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusAdded:
		return "Added"
	case StatusInstalled:
		return "Installed"
	case StatusRunning:
		return "Running"
	case StatusStopped:
		return "Stopped"
	case StatusRemoved:
		return "Removed"
	default:
		return "InvalidStatus"
	}
}

// ParseStatus is the inverse of Status.String. Matching is case-insensitive.
func ParseStatus(s string) (Status, error) {
	for st := StatusAdded; st <= StatusRemoved; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown instance status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if s < StatusAdded || s > StatusRemoved {
		return nil, fmt.Errorf("cannot marshal invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// InstanceRecord is the registry entry for one node instance.
type InstanceRecord struct {
	// ServiceName is the unique key of the instance, e.g. "node3".
	ServiceName string `json:"service_name"`
	// PeerID is empty until a control-plane query has confirmed the instance's identity.
	PeerID string `json:"peer_id,omitempty"`
	// RPCPort is the local control-plane port. Assigned once at install time.
	RPCPort    int    `json:"rpc_port"`
	Version    string `json:"version"`
	User       string `json:"user"`
	BinaryPath string `json:"binary_path"`
	DataDir    string `json:"data_dir_path"`
	LogDir     string `json:"log_dir_path"`
	Status     Status `json:"status"`
	// Handle is the service backend's reference to the host service entry.
	Handle string `json:"service_backend_handle"`
}

// ControlAddr returns the loopback address of the instance's control-plane endpoint.
func (r *InstanceRecord) ControlAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", r.RPCPort)
}

// HasRun reports whether the instance has been confirmed running at least once.
func (r *InstanceRecord) HasRun() bool {
	return r.PeerID != ""
}
