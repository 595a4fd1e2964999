package orchestrator

import (
	"fmt"

	"github.com/tomyedwab/nodefleet/fleet"
	"github.com/tomyedwab/nodefleet/fleet/registry"
)

type selectionMode int

const (
	selectAll selectionMode = iota
	selectByName
	selectByPeerID
)

// Selection picks the instances an operation applies to: one service name,
// one confirmed peer id, or every registered instance.
type Selection struct {
	mode  selectionMode
	value string
}

// All selects every registered instance.
func All() Selection {
	return Selection{mode: selectAll}
}

// NewSelection builds a selection from optional name and peer id filters.
// Giving both is an AmbiguousSelection error; giving neither selects all.
func NewSelection(serviceName, peerID string) (Selection, error) {
	switch {
	case serviceName != "" && peerID != "":
		return Selection{}, fleet.NewError(fleet.ErrorKindAmbiguousSelection,
			fmt.Sprintf("service name %q and peer id %q are mutually exclusive", serviceName, peerID), nil)
	case serviceName != "":
		return Selection{mode: selectByName, value: serviceName}, nil
	case peerID != "":
		return Selection{mode: selectByPeerID, value: peerID}, nil
	default:
		return All(), nil
	}
}

// IsAll reports whether the selection targets every instance.
func (s Selection) IsAll() bool {
	return s.mode == selectAll
}

func (s Selection) String() string {
	switch s.mode {
	case selectByName:
		return "service " + s.value
	case selectByPeerID:
		return "peer " + s.value
	default:
		return "all instances"
	}
}

// resolve returns the selected records in registry order. Removed records
// are skipped by the all selection and cannot be selected explicitly.
func (s Selection) resolve(reg *registry.Registry) ([]*fleet.InstanceRecord, error) {
	switch s.mode {
	case selectByName:
		rec := reg.Find(s.value)
		if rec == nil || rec.Status == fleet.StatusRemoved {
			return nil, fleet.NewError(fleet.ErrorKindNotFound, fmt.Sprintf("no instance named %q", s.value), nil)
		}
		return []*fleet.InstanceRecord{rec}, nil
	case selectByPeerID:
		rec := reg.FindByPeerID(s.value)
		if rec == nil || rec.Status == fleet.StatusRemoved {
			return nil, fleet.NewError(fleet.ErrorKindNotFound, fmt.Sprintf("no instance has confirmed peer id %q", s.value), nil)
		}
		return []*fleet.InstanceRecord{rec}, nil
	default:
		var records []*fleet.InstanceRecord
		for _, rec := range reg.Nodes {
			if rec.Status != fleet.StatusRemoved {
				records = append(records, rec)
			}
		}
		return records, nil
	}
}
