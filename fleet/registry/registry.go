// Package registry persists the node fleet's instance records.
//
// A registry is loaded once per invocation, mutated in memory by the
// orchestrator that owns the invocation, and written back once at the end.
// Nothing is cached between invocations.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tomyedwab/nodefleet/fleet"
)

// ErrDuplicate is returned by Add when a record would break name or port uniqueness.
var ErrDuplicate = errors.New("duplicate registry entry")

// Registry is the ordered collection of instance records. Order is insertion
// order and survives a save/load cycle.
type Registry struct {
	Nodes []*fleet.InstanceRecord `json:"nodes"`
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{Nodes: make([]*fleet.InstanceRecord, 0)}
}

// Load reads the registry at path. A missing file yields an empty registry;
// a file that cannot be parsed, or that violates name/port uniqueness, is a
// CorruptRegistry error.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}

	reg := New()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fleet.NewError(fleet.ErrorKindCorruptRegistry, fmt.Sprintf("registry %s is not parsable", path), err)
	}
	if err := reg.validate(); err != nil {
		return nil, fleet.NewError(fleet.ErrorKindCorruptRegistry, fmt.Sprintf("registry %s is inconsistent", path), err)
	}
	return reg, nil
}

// Save writes the registry to path. The content goes to a temporary file in
// the same directory which is synced and then renamed over path, so a crash
// leaves either the old or the new registry on disk.
func (r *Registry) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create registry directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary registry file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close registry: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set registry permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry %s: %w", path, err)
	}

	// Persist the rename itself. Not every filesystem supports syncing a
	// directory, so failure here is ignored.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Find returns the record with the given service name, or nil.
func (r *Registry) Find(serviceName string) *fleet.InstanceRecord {
	for _, node := range r.Nodes {
		if node.ServiceName == serviceName {
			return node
		}
	}
	return nil
}

// FindByPeerID returns the record whose confirmed peer id equals peerID, or
// nil. Records that have never been confirmed running cannot match.
func (r *Registry) FindByPeerID(peerID string) *fleet.InstanceRecord {
	if peerID == "" {
		return nil
	}
	for _, node := range r.Nodes {
		if node.PeerID == peerID {
			return node
		}
	}
	return nil
}

// Add appends a record, keeping service names and ports pairwise distinct.
func (r *Registry) Add(record *fleet.InstanceRecord) error {
	for _, node := range r.Nodes {
		if node.ServiceName == record.ServiceName {
			return fmt.Errorf("%w: service name %s", ErrDuplicate, record.ServiceName)
		}
		if node.RPCPort == record.RPCPort {
			return fmt.Errorf("%w: rpc port %d already used by %s", ErrDuplicate, record.RPCPort, node.ServiceName)
		}
	}
	r.Nodes = append(r.Nodes, record)
	return nil
}

// Ports returns the set of rpc ports held by any record, whatever its status.
func (r *Registry) Ports() map[int]bool {
	ports := make(map[int]bool, len(r.Nodes))
	for _, node := range r.Nodes {
		ports[node.RPCPort] = true
	}
	return ports
}

// Names returns the set of service names held by any record.
func (r *Registry) Names() map[string]bool {
	names := make(map[string]bool, len(r.Nodes))
	for _, node := range r.Nodes {
		names[node.ServiceName] = true
	}
	return names
}

// CountByStatus returns the number of records in each status.
func (r *Registry) CountByStatus() map[fleet.Status]int {
	counts := make(map[fleet.Status]int)
	for _, node := range r.Nodes {
		counts[node.Status]++
	}
	return counts
}

func (r *Registry) validate() error {
	names := make(map[string]bool, len(r.Nodes))
	ports := make(map[int]string, len(r.Nodes))
	for i, node := range r.Nodes {
		if node == nil {
			return fmt.Errorf("entry %d is null", i)
		}
		if node.ServiceName == "" {
			return fmt.Errorf("entry %d has no service name", i)
		}
		if names[node.ServiceName] {
			return fmt.Errorf("%w: service name %s", ErrDuplicate, node.ServiceName)
		}
		names[node.ServiceName] = true
		if node.RPCPort <= 0 || node.RPCPort > 65535 {
			return fmt.Errorf("%s has invalid rpc port %d", node.ServiceName, node.RPCPort)
		}
		if other, ok := ports[node.RPCPort]; ok {
			return fmt.Errorf("%w: rpc port %d used by %s and %s", ErrDuplicate, node.RPCPort, other, node.ServiceName)
		}
		ports[node.RPCPort] = node.ServiceName
	}
	return nil
}
