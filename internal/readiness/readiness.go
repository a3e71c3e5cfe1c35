// Package readiness implements the readiness evaluator of §4.D: which
// pending requests are now satisfied, and whether every pending request
// can still conceivably succeed.
package readiness

import (
	"fmt"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/request"
	"github.com/lockmesh/txagent/internal/tables"
)

// CannotLockObjects is raised when a pending request becomes unservable
// (§4.D, §7).
type CannotLockObjects struct {
	Requests []*request.Request
}

func (e *CannotLockObjects) Error() string {
	return fmt.Sprintf("cannot lock %d object(s): quorum unreachable", len(e.Requests))
}

// Status mirrors wire.Status without readiness depending on wire.
type Status int

const (
	StatusNoLocks Status = iota
	StatusWaiting
	StatusHaveAll
	StatusCannotServe
)

// Result is the outcome of one readiness sweep.
type Result struct {
	// Satisfied holds the requests that moved from pending to active
	// this sweep.
	Satisfied []*request.Request

	// HaveAllRose is true iff pending_requests became empty as a result
	// of this sweep (the have_all latch transition from false to true).
	HaveAllRose bool

	// Unservable holds requests that can no longer conceivably succeed;
	// non-empty means the caller must abort with CannotLockObjects.
	Unservable []*request.Request
}

// NodesHeld returns the nodes on which agent holds object in a mode that
// covers want (write covers read; read never covers write).
func NodesHeld(t *tables.Tables, agent lockid.AgentID, object lockid.Object, nodes []lockid.NodeID, want lockid.Mode) []lockid.NodeID {
	var held []lockid.NodeID
	for _, n := range nodes {
		l := t.Lock(lockid.LockId{Object: object, Node: n})
		if l != nil && l.HoldsInMode(agent, want) {
			held = append(held, n)
		}
	}
	return held
}

// satisfied implements the four quorum formulas of §4.D.
func satisfied(req *request.Request, held []lockid.NodeID, down map[lockid.NodeID]struct{}) bool {
	switch req.Require {
	case lockid.RequireAll:
		return supersetOf(held, req.Nodes)
	case lockid.RequireAny:
		return len(held) > 0 && overlap(held, req.Nodes)
	case lockid.RequireMajority:
		return len(held) > len(req.Nodes)/2
	case lockid.RequireMajorityAlive:
		alive := subtract(req.Nodes, down)
		return len(held) > len(alive)/2
	default:
		return false
	}
}

// servable reports whether req can still conceivably succeed: either the
// agent is configured to wait out node loss, or the same quorum formula
// applied to the nodes not currently down can still pass.
func servable(req *request.Request, held []lockid.NodeID, down map[lockid.NodeID]struct{}, awaitNodes bool) bool {
	if awaitNodes {
		return true
	}
	alive := subtract(req.Nodes, down)
	switch req.Require {
	case lockid.RequireAll:
		return len(alive) == len(req.Nodes)
	case lockid.RequireAny:
		return len(alive) > 0
	case lockid.RequireMajority:
		return len(alive) > len(req.Nodes)/2 || len(held) > len(req.Nodes)/2
	case lockid.RequireMajorityAlive:
		// The quorum denominator shrinks with the node set itself, so
		// this stays servable as long as at least one node is still
		// alive to grant it.
		return len(alive) > 0
	default:
		return false
	}
}

// Evaluate sweeps every pending request for agent, moving satisfied ones
// into active (the caller applies table.MoveToActive), and reports
// whether have_all should rise and which requests became unservable.
func Evaluate(t *tables.Tables, agent lockid.AgentID, down map[lockid.NodeID]struct{}, awaitNodes bool) Result {
	var res Result
	pending := t.AllPending()
	for _, req := range pending {
		held := NodesHeld(t, agent, req.Object, req.Nodes, req.Mode)
		if satisfied(req, held, down) {
			res.Satisfied = append(res.Satisfied, req)
			continue
		}
		if !servable(req, held, down, awaitNodes) {
			res.Unservable = append(res.Unservable, req)
		}
	}
	res.HaveAllRose = len(pending) > 0 && len(res.Satisfied) == len(pending)
	return res
}

// Summarize implements the §4.D status summary for await_all_locks:
// NoLocks if nothing was ever requested, HaveAll if nothing is pending,
// CannotServe if some pending request is unservable, else Waiting.
func Summarize(t *tables.Tables, agent lockid.AgentID, down map[lockid.NodeID]struct{}, awaitNodes bool) (Status, []lockid.Object) {
	if !t.HasAnyRequest() {
		return StatusNoLocks, nil
	}
	pending := t.AllPending()
	if len(pending) == 0 {
		return StatusHaveAll, nil
	}
	var unservable []lockid.Object
	for _, req := range pending {
		held := NodesHeld(t, agent, req.Object, req.Nodes, req.Mode)
		if !servable(req, held, down, awaitNodes) {
			unservable = append(unservable, req.Object)
		}
	}
	if len(unservable) > 0 {
		return StatusCannotServe, unservable
	}
	return StatusWaiting, nil
}

func supersetOf(have, want []lockid.NodeID) bool {
	set := make(map[lockid.NodeID]bool, len(have))
	for _, n := range have {
		set[n] = true
	}
	for _, n := range want {
		if !set[n] {
			return false
		}
	}
	return true
}

func overlap(a, b []lockid.NodeID) bool {
	set := make(map[lockid.NodeID]bool, len(a))
	for _, n := range a {
		set[n] = true
	}
	for _, n := range b {
		if set[n] {
			return true
		}
	}
	return false
}

func subtract(nodes []lockid.NodeID, down map[lockid.NodeID]struct{}) []lockid.NodeID {
	out := make([]lockid.NodeID, 0, len(nodes))
	for _, n := range nodes {
		if _, isDown := down[n]; !isDown {
			out = append(out, n)
		}
	}
	return out
}
