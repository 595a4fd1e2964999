package allocator

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tomyedwab/nodefleet/fleet"
	"github.com/tomyedwab/nodefleet/fleet/registry"
)

// Descriptor is the set of resources reserved for one new instance.
type Descriptor struct {
	ServiceName string
	RPCPort     int
	BinaryPath  string
	DataDir     string
	LogDir      string
}

// Config defines the allocation policy.
type Config struct {
	BasePort    int    // First port considered.
	MaxPort     int    // Last port considered. Defaults to 65535.
	Prefix      string // Service name prefix, e.g. "node".
	BinaryName  string // File name of the node binary inside the data dir.
	ServicesDir string // Parent of every per-instance data dir.
	LogRoot     string // Parent of every per-instance log dir.
}

// Allocator hands out service names, rpc ports and directory layouts that do
// not collide with anything already in the registry.
type Allocator struct {
	config Config
}

// New creates an Allocator after checking the policy is usable.
func New(config Config) (*Allocator, error) {
	if config.MaxPort == 0 {
		config.MaxPort = 65535
	}
	if config.BasePort <= 0 || config.MaxPort > 65535 || config.BasePort > config.MaxPort {
		return nil, fmt.Errorf("invalid port range: base %d, max %d", config.BasePort, config.MaxPort)
	}
	if config.Prefix == "" {
		return nil, fmt.Errorf("service name prefix is required")
	}
	if config.BinaryName == "" || config.ServicesDir == "" || config.LogRoot == "" {
		return nil, fmt.Errorf("binary name, services dir and log root are required")
	}
	return &Allocator{config: config}, nil
}

// Allocate returns count descriptors. Names, ports and paths are unique
// against existing and against each other. The result depends only on the
// registry contents, so the same registry always yields the same allocation.
func (a *Allocator) Allocate(existing *registry.Registry, count int) ([]Descriptor, error) {
	if count <= 0 {
		return nil, fleet.NewError(fleet.ErrorKindAllocation, fmt.Sprintf("instance count must be positive, got %d", count), nil)
	}

	ports := NewPortManager(a.config.BasePort, a.config.MaxPort, existing.Ports())
	ordinals := a.usedOrdinals(existing.Names())

	descriptors := make([]Descriptor, 0, count)
	nextOrdinal := 1
	for i := 0; i < count; i++ {
		port, err := ports.AllocatePort()
		if err != nil {
			return nil, fleet.NewError(fleet.ErrorKindAllocation, "failed to allocate rpc port", err)
		}

		for ordinals[nextOrdinal] {
			nextOrdinal++
		}
		ordinals[nextOrdinal] = true
		name := a.config.Prefix + strconv.Itoa(nextOrdinal)

		descriptors = append(descriptors, a.describe(name, port))
	}
	return descriptors, nil
}

func (a *Allocator) describe(name string, port int) Descriptor {
	dataDir := filepath.Join(a.config.ServicesDir, name)
	return Descriptor{
		ServiceName: name,
		RPCPort:     port,
		BinaryPath:  filepath.Join(dataDir, a.config.BinaryName),
		DataDir:     dataDir,
		LogDir:      filepath.Join(a.config.LogRoot, name),
	}
}

// usedOrdinals extracts the ordinal of every name of the form prefix+N.
// Names that do not follow the canonical pattern ("node01", "nodeX")
// occupy no ordinal; generated names are always canonical, so they cannot
// collide with them.
func (a *Allocator) usedOrdinals(names map[string]bool) map[int]bool {
	used := make(map[int]bool, len(names))
	for name := range names {
		rest, ok := strings.CutPrefix(name, a.config.Prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 || strconv.Itoa(n) != rest {
			continue
		}
		used[n] = true
	}
	return used
}
