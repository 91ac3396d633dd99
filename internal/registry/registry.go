// Package registry is the immutable directory of managed resources built
// from the configuration at startup.
package registry

import (
	"sort"

	"github.com/abergmeier/fabaccess-server/internal/machine"
	"github.com/abergmeier/fabaccess-server/internal/models"
)

// Registry maps resource IDs to their state machines. Membership is frozen
// after Build; lookups are safe for concurrent use.
type Registry struct {
	machines map[models.ResourceID]*machine.Machine
	order    []models.ResourceID
}

// Build freezes the given machine set. Iteration order is the sorted
// resource ID order.
func Build(machines map[models.ResourceID]*machine.Machine) *Registry {
	order := make([]models.ResourceID, 0, len(machines))
	for id := range machines {
		order = append(order, id)
	}
	sort.Strings(order)
	return &Registry{machines: machines, order: order}
}

// Lookup resolves a resource ID.
func (r *Registry) Lookup(id models.ResourceID) (*machine.Machine, bool) {
	m, ok := r.machines[id]
	return m, ok
}

// Iter returns every machine in stable order.
func (r *Registry) Iter() []*machine.Machine {
	out := make([]*machine.Machine, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.machines[id])
	}
	return out
}

// Len reports the number of managed resources.
func (r *Registry) Len() int { return len(r.order) }
