// Package allocator reserves service names, rpc ports and directory
// layouts for new node instances.
package allocator

import (
	"fmt"
)

// PortManager hands out rpc ports by scanning upward from a base port.
// It is seeded with the ports the registry already holds and is only used
// for the duration of one allocation call.
type PortManager struct {
	minPort       int
	maxPort       int
	allocated     map[int]bool // Tracks allocated ports
	nextCandidate int          // Next port to try allocating
}

// NewPortManager creates a PortManager for [minPort, maxPort] that treats
// every port in taken as already allocated.
func NewPortManager(minPort, maxPort int, taken map[int]bool) *PortManager {
	allocated := make(map[int]bool, len(taken))
	for port := range taken {
		allocated[port] = true
	}
	return &PortManager{
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     allocated,
		nextCandidate: minPort,
	}
}

// AllocatePort returns the lowest port at or above the last allocation that
// is not yet taken. Unlike a runtime port pool it never wraps around and
// never probes the host, so two runs over the same registry agree.
func (pm *PortManager) AllocatePort() (int, error) {
	for pm.nextCandidate <= pm.maxPort {
		port := pm.nextCandidate
		pm.nextCandidate++
		if pm.allocated[port] {
			continue
		}
		pm.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no available ports in range [%d-%d]", pm.minPort, pm.maxPort)
}
