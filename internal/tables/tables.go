// Package tables implements the four indexed tables of §4.A: locks,
// agents-holding, active requests and pending requests. Every table is
// owned exclusively by the agent's single event-loop goroutine (§5, §9),
// so plain maps are used throughout — a concurrent-safe container here
// would only mask a contract violation, not prevent one.
package tables

import (
	"sort"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/request"
)

// Tables bundles the four tables named in §3.
type Tables struct {
	locks         map[lockid.LockId]*lockid.Lock
	agentsHolding map[lockid.AgentID]map[lockid.LockId]struct{}
	active        map[string][]*request.Request
	pending       map[string][]*request.Request
}

// New returns an empty Tables.
func New() *Tables {
	return &Tables{
		locks:         make(map[lockid.LockId]*lockid.Lock),
		agentsHolding: make(map[lockid.AgentID]map[lockid.LockId]struct{}),
		active:        make(map[string][]*request.Request),
		pending:       make(map[string][]*request.Request),
	}
}

// ---------------------------------------------------------------- locks

// Lock returns the stored snapshot for id, or nil if none.
func (t *Tables) Lock(id lockid.LockId) *lockid.Lock {
	return t.locks[id]
}

// PutLock replaces the stored snapshot for l.ObjectID.
func (t *Tables) PutLock(l *lockid.Lock) {
	t.locks[l.ObjectID] = l
}

// DeleteLock removes the stored snapshot for id, if any.
func (t *Tables) DeleteLock(id lockid.LockId) {
	delete(t.locks, id)
}

// OrderedLocks returns every stored lock ordered by LockId, for
// deterministic test iteration (§4.A).
func (t *Tables) OrderedLocks() []*lockid.Lock {
	out := make([]*lockid.Lock, 0, len(t.locks))
	for _, l := range t.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID.Less(out[j].ObjectID) })
	return out
}

// AllLockIDs returns every LockId currently stored, unordered.
func (t *Tables) AllLockIDs() []lockid.LockId {
	out := make([]lockid.LockId, 0, len(t.locks))
	for id := range t.locks {
		out = append(out, id)
	}
	return out
}

// -------------------------------------------------------- agentsHolding

// AddHolding records that agent holds lock id.
func (t *Tables) AddHolding(agent lockid.AgentID, id lockid.LockId) {
	set, ok := t.agentsHolding[agent]
	if !ok {
		set = make(map[lockid.LockId]struct{})
		t.agentsHolding[agent] = set
	}
	set[id] = struct{}{}
}

// RemoveHolding forgets that agent holds lock id.
func (t *Tables) RemoveHolding(agent lockid.AgentID, id lockid.LockId) {
	set, ok := t.agentsHolding[agent]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.agentsHolding, agent)
	}
}

// HoldsAny reports whether agent holds any lock at all — a single map
// lookup, the sublinear check §4.A requires.
func (t *Tables) HoldsAny(agent lockid.AgentID) bool {
	set, ok := t.agentsHolding[agent]
	return ok && len(set) > 0
}

// Holds reports whether agent holds lock id specifically.
func (t *Tables) Holds(agent lockid.AgentID, id lockid.LockId) bool {
	set, ok := t.agentsHolding[agent]
	if !ok {
		return false
	}
	_, held := set[id]
	return held
}

// HoldingAgents returns every agent recorded as holding something.
func (t *Tables) HoldingAgents() []lockid.AgentID {
	out := make([]lockid.AgentID, 0, len(t.agentsHolding))
	for a := range t.agentsHolding {
		out = append(out, a)
	}
	return out
}

// HeldLocks returns every LockId agent is recorded as holding.
func (t *Tables) HeldLocks(agent lockid.AgentID) []lockid.LockId {
	set := t.agentsHolding[agent]
	out := make([]lockid.LockId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// --------------------------------------------------- active / pending

// Pending returns the pending-request bag for object.
func (t *Tables) Pending(object lockid.Object) []*request.Request {
	return t.pending[object.String()]
}

// Active returns the active-request bag for object.
func (t *Tables) Active(object lockid.Object) []*request.Request {
	return t.active[object.String()]
}

// AddPending inserts r into the pending bag for its object.
func (t *Tables) AddPending(r *request.Request) {
	key := r.Object.String()
	t.pending[key] = append(t.pending[key], r)
}

// AddActive inserts r into the active bag for its object.
func (t *Tables) AddActive(r *request.Request) {
	key := r.Object.String()
	t.active[key] = append(t.active[key], r)
}

// MoveToActive removes r from pending and inserts it into active,
// satisfying invariant 3 (exactly one of the two bags, never both).
func (t *Tables) MoveToActive(r *request.Request) {
	t.removeFrom(t.pending, r)
	t.AddActive(r)
}

// MoveToPending removes r from active and inserts it into pending.
func (t *Tables) MoveToPending(r *request.Request) {
	t.removeFrom(t.active, r)
	t.AddPending(r)
}

func (t *Tables) removeFrom(bag map[string][]*request.Request, r *request.Request) {
	key := r.Object.String()
	list := bag[key]
	for i, existing := range list {
		if existing == r {
			bag[key] = append(list[:i], list[i+1:]...)
			if len(bag[key]) == 0 {
				delete(bag, key)
			}
			return
		}
	}
}

// AllPending returns every request across every object's pending bag.
func (t *Tables) AllPending() []*request.Request {
	var out []*request.Request
	for _, list := range t.pending {
		out = append(out, list...)
	}
	return out
}

// AllActive returns every request across every object's active bag.
func (t *Tables) AllActive() []*request.Request {
	var out []*request.Request
	for _, list := range t.active {
		out = append(out, list...)
	}
	return out
}

// HasAnyRequest reports whether any request, pending or active, has ever
// been created (used for the NoLocks status in §4.D).
func (t *Tables) HasAnyRequest() bool {
	return len(t.pending) > 0 || len(t.active) > 0
}
