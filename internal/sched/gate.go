package sched

import (
	"fmt"
	"sort"
)

// ResourceID names a serially accessed resource, for example a
// folder's server sync state. A resource is either free or held by
// exactly one in-flight unit.
type ResourceID string

// Gate tracks exclusive resource ownership. Units that fail to acquire
// their full resource set are parked here until a release makes the
// set available again; the task manager then re-inserts them into the
// priority index, which arbitrates among competing waiters.
//
// Gate is not safe for concurrent use. The task manager's scheduler
// goroutine owns it.
type Gate struct {
	held    map[ResourceID]UnitID
	waiting map[UnitID][]ResourceID
	byRes   map[ResourceID]map[UnitID]struct{}
}

// NewGate returns a gate with all resources free.
func NewGate() *Gate {
	return &Gate{
		held:    make(map[ResourceID]UnitID),
		waiting: make(map[UnitID][]ResourceID),
		byRes:   make(map[ResourceID]map[UnitID]struct{}),
	}
}

// TryAcquireAll atomically acquires every listed resource for the
// claimant iff all are currently free; otherwise it acquires none and
// returns false. An empty resource set always succeeds.
func (g *Gate) TryAcquireAll(claimant UnitID, resources []ResourceID) bool {
	for _, r := range resources {
		if _, busy := g.held[r]; busy {
			return false
		}
	}
	for _, r := range resources {
		g.held[r] = claimant
	}
	return true
}

// Park registers the unit as blocked on the given resource set,
// replacing any previous registration for the same unit.
func (g *Gate) Park(id UnitID, resources []ResourceID) {
	g.Unpark(id)
	g.waiting[id] = cloneResources(resources)
	for _, r := range resources {
		set, ok := g.byRes[r]
		if !ok {
			set = make(map[UnitID]struct{})
			g.byRes[r] = set
		}
		set[id] = struct{}{}
	}
}

// Unpark removes a blocked unit's registration, reporting whether the
// unit was parked. Used on cancellation and when a waiter is handed
// back for re-insertion.
func (g *Gate) Unpark(id UnitID) bool {
	resources, ok := g.waiting[id]
	if !ok {
		return false
	}
	delete(g.waiting, id)
	for _, r := range resources {
		set := g.byRes[r]
		delete(set, id)
		if len(set) == 0 {
			delete(g.byRes, r)
		}
	}
	return true
}

// Release frees the listed resources held by the claimant and returns
// the parked units whose full resource set is now free. Returned units
// are removed from the gate; the caller re-inserts them into the
// priority index so that servicing follows priority order rather than
// arrival order.
//
// A listed resource that is free or held by a different unit is
// reported in the returned error; the remaining resources are still
// released so one unit's broken bookkeeping cannot wedge the gate.
func (g *Gate) Release(claimant UnitID, resources []ResourceID) ([]UnitID, error) {
	var err error
	freed := make([]ResourceID, 0, len(resources))
	for _, r := range resources {
		holder, ok := g.held[r]
		if !ok {
			err = fmt.Errorf("releasing %s: not held", r)
			continue
		}
		if holder != claimant {
			err = fmt.Errorf("releasing %s: held by %s, not %s", r, holder, claimant)
			continue
		}
		delete(g.held, r)
		freed = append(freed, r)
	}

	seen := make(map[UnitID]struct{})
	var ready []UnitID
	for _, r := range freed {
		for id := range g.byRes[r] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if g.satisfiable(g.waiting[id]) {
				ready = append(ready, id)
			}
		}
	}
	for _, id := range ready {
		g.Unpark(id)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
	return ready, err
}

// Ready reports whether every listed resource is currently free.
func (g *Gate) Ready(resources []ResourceID) bool {
	return g.satisfiable(resources)
}

// Holder returns the unit currently holding the resource.
func (g *Gate) Holder(r ResourceID) (UnitID, bool) {
	id, ok := g.held[r]
	return id, ok
}

// Blocked reports whether the unit is parked waiting for resources.
func (g *Gate) Blocked(id UnitID) bool {
	_, ok := g.waiting[id]
	return ok
}

func (g *Gate) satisfiable(resources []ResourceID) bool {
	for _, r := range resources {
		if _, busy := g.held[r]; busy {
			return false
		}
	}
	return true
}

func cloneResources(resources []ResourceID) []ResourceID {
	if len(resources) == 0 {
		return nil
	}
	out := make([]ResourceID, len(resources))
	copy(out, resources)
	return out
}
