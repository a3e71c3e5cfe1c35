// Package deadlock implements the deadlock analyzer of §4.E: building a
// wait-for graph from the interesting locks, finding cycles, selecting a
// victim by a deterministic global order, and deciding whether to
// surrender or abort.
//
// Per §9's design note the graph is small and rebuilt on demand rather
// than maintained incrementally; strongly-connected-component detection
// is delegated to gonum rather than hand-rolled, since Open Question #2
// in SPEC_FULL.md depends on a reproducible component order that a
// hand-rolled DFS would have to re-derive and prove independently.
package deadlock

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/tables"
	"github.com/lockmesh/txagent/internal/wire"
)

// Kind discriminates what Analyze decided.
type Kind int

const (
	// KindNone means no cycle exists; Inform carries the sparse-case
	// informational snapshots to send (§4.E step 3).
	KindNone Kind = iota
	// KindSelfSurrender means self is the victim and should surrender
	// VictimLock voluntarily (§4.E step 5).
	KindSelfSurrender
	// KindSelfAbort means self is the victim, abort_on_deadlock is set,
	// and VictimLock had already been promised to the client.
	KindSelfAbort
	// KindPeerVictim means a cycle was found but another agent is the
	// victim; the only action is to record it (§4.E step 6).
	KindPeerVictim
)

// PeerInform is one informational lock snapshot to relay to a peer in
// the sparse-contention case (§4.E step 3).
type PeerInform struct {
	Agent lockid.AgentID
	Lock  lockid.LockId
}

// Decision is the result of one Analyze call.
type Decision struct {
	Kind Kind

	Victim      lockid.AgentID
	VictimLock  lockid.LockId

	// KindSelfSurrender only: every involved agent to notify, minus
	// those already present in VictimLock's queue (they'll learn via
	// the lock server instead, per §4.E step 5).
	Broadcast []lockid.AgentID

	// KindNone only.
	Inform []PeerInform
}

type edgeKey struct{ from, to int64 }

// Analyze runs one full pass of §4.E. self is this agent's identity;
// interesting is the agent's ordered `interesting` set (LockIds whose
// queue length is >= 2); abortOnDeadlock and currentClaim implement
// step 5's escalation check (a request is "already claimed" if some
// active request for the victim object carries claim_no < currentClaim).
func Analyze(self lockid.AgentID, t *tables.Tables, interesting []lockid.LockId, abortOnDeadlock bool, currentClaim uint64) Decision {
	g := simple.NewDirectedGraph()
	ids := map[lockid.AgentID]int64{}
	agents := map[int64]lockid.AgentID{}
	nextID := int64(1)

	nodeFor := func(a lockid.AgentID) int64 {
		if id, ok := ids[a]; ok {
			return id
		}
		id := nextID
		nextID++
		ids[a] = id
		agents[id] = a
		g.AddNode(simple.Node(id))
		return id
	}

	edgeObject := map[edgeKey]lockid.LockId{}

	for _, lockID := range interesting {
		l := t.Lock(lockID)
		if l == nil || !l.Interesting() {
			continue
		}
		heads := l.HeadAgents()
		tails := distinct(l.TailAgents())
		for _, h := range heads {
			hID := nodeFor(h)
			for _, w := range tails {
				if w == h {
					continue
				}
				wID := nodeFor(w)
				if !g.HasEdgeFromTo(hID, wID) {
					g.SetEdge(simple.Edge{F: simple.Node(hID), T: simple.Node(wID)})
				}
				key := edgeKey{hID, wID}
				if existing, ok := edgeObject[key]; !ok || lockID.Less(existing) {
					edgeObject[key] = lockID
				}
			}
		}
	}

	sccs := topo.TarjanSCC(g)
	var cycle []graph.Node
	for _, scc := range sccs {
		if len(scc) > 1 {
			cycle = scc
			break
		}
	}

	if cycle == nil {
		return Decision{Kind: KindNone, Inform: informPeers(self, t, interesting, agents, ids)}
	}

	// Victim: the (agent, object) pair with the maximum agent
	// identifier in the cycle. "object" is the lock the victim holds
	// and via which a fellow cycle member waits on it — i.e. the
	// destination-tagged object on an outgoing edge that stays inside
	// the cycle.
	inCycle := map[int64]bool{}
	for _, n := range cycle {
		inCycle[n.ID()] = true
	}

	var victimID int64
	var victim lockid.AgentID
	found := false
	for _, n := range cycle {
		a := agents[n.ID()]
		if !found || victim.Less(a) {
			victim = a
			victimID = n.ID()
			found = true
		}
	}

	var victimLock lockid.LockId
	haveLock := false
	toIDs := make([]int64, 0)
	for key := range edgeObject {
		if key.from == victimID && inCycle[key.to] {
			toIDs = append(toIDs, key.to)
		}
	}
	sort.Slice(toIDs, func(i, j int) bool { return toIDs[i] < toIDs[j] })
	for _, to := range toIDs {
		candidate := edgeObject[edgeKey{victimID, to}]
		if !haveLock || candidate.Less(victimLock) {
			victimLock = candidate
			haveLock = true
		}
	}

	if victim != self {
		return Decision{Kind: KindPeerVictim, Victim: victim, VictimLock: victimLock}
	}

	if abortOnDeadlock && alreadyClaimed(t, victimLock, currentClaim) {
		return Decision{Kind: KindSelfAbort, Victim: victim, VictimLock: victimLock}
	}

	victimLockSnapshot := t.Lock(victimLock)
	var inQueue map[lockid.AgentID]bool
	if victimLockSnapshot != nil {
		inQueue = map[lockid.AgentID]bool{}
		for _, elem := range victimLockSnapshot.Queue {
			for _, a := range elem.Agents() {
				inQueue[a] = true
			}
		}
	}
	var broadcast []lockid.AgentID
	for _, a := range t.HoldingAgents() {
		if a == self || inQueue[a] {
			continue
		}
		broadcast = append(broadcast, a)
	}

	return Decision{Kind: KindSelfSurrender, Victim: victim, VictimLock: victimLock, Broadcast: broadcast}
}

func alreadyClaimed(t *tables.Tables, victimLock lockid.LockId, currentClaim uint64) bool {
	for _, req := range t.Active(victimLock.Object) {
		if req.ClaimNo < currentClaim {
			return true
		}
	}
	return false
}

// informPeers implements §4.E step 3: when no cycle is found, send an
// informational snapshot to every involved agent strictly greater than
// self, but only for locks that agent is "interesting" for — it does not
// already appear in the lock's queue and it holds some other lock.
func informPeers(self lockid.AgentID, t *tables.Tables, interesting []lockid.LockId, agents map[int64]lockid.AgentID, ids map[lockid.AgentID]int64) []PeerInform {
	var out []PeerInform
	for _, lockID := range interesting {
		l := t.Lock(lockID)
		if l == nil {
			continue
		}
		for _, peer := range t.HoldingAgents() {
			if peer == self || !self.Less(peer) {
				continue
			}
			if l.TailContains(peer) || l.HoldsInMode(peer, lockid.ModeRead) || l.HoldsInMode(peer, lockid.ModeWrite) {
				continue // peer already appears in this lock's queue
			}
			if !t.HoldsAny(peer) {
				continue // peer holds nothing else, not interesting to it
			}
			out = append(out, PeerInform{Agent: peer, Lock: lockID})
		}
	}
	return out
}

func distinct(agents []lockid.AgentID) []lockid.AgentID {
	seen := map[lockid.AgentID]bool{}
	out := make([]lockid.AgentID, 0, len(agents))
	for _, a := range agents {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// ToDeadlockRecord converts a peer-victim Decision into the §3
// `deadlocks` report entry.
func (d Decision) ToDeadlockRecord() wire.Deadlock {
	return wire.Deadlock{Victim: d.Victim, Lock: d.VictimLock}
}
