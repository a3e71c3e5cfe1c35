// Package ingest implements the lock-state ingestor of §4.C: applying a
// received lock snapshot, updating the holder indices, and reporting
// whether the lock belongs in the caller's "interesting" set.
package ingest

import (
	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/tables"
	"github.com/lockmesh/txagent/internal/wire"
)

// Outcome reports what Ingest did, so the caller (the agent's event
// loop) can decide whether to chain into the readiness evaluator and
// deadlock analyzer (§4.C step 6).
type Outcome struct {
	// Ignored is true for an outdated snapshot, a late duplicate, or an
	// update for a LockId the agent is awaiting its own surrender
	// confirmation on (§4.C steps 3-4).
	Ignored bool

	LockID lockid.LockId

	// WasInteresting / NowInteresting let the caller maintain its
	// ordered `interesting` set without ingest owning it directly.
	WasInteresting bool
	NowInteresting bool

	// SelfSurrenderConfirmed is true when this event cleared our own
	// entry from `sync` (§4.C step 2, note == {surrender, self}).
	SelfSurrenderConfirmed bool

	// PeerSurrender is set when the note reports another agent's
	// surrender, for the caller to append to `deadlocks` (§4.C step 2).
	PeerSurrender *wire.Deadlock
}

// Ingest applies one lock-state snapshot from node, with an optional
// note, to t, on behalf of self. sync is the agent's set of LockIds
// awaiting surrender confirmation; Ingest both reads and mutates it per
// §4.C steps 2 and 4. snapshot.ObjectID.Object must already be set; its
// Node is overwritten with the given node (step 1).
func Ingest(self lockid.AgentID, t *tables.Tables, sync map[lockid.LockId]struct{}, snapshot lockid.Lock, node lockid.NodeID, note wire.Note) Outcome {
	// Step 1: rewrite the snapshot's object into the full LockId.
	id := lockid.LockId{Object: snapshot.ObjectID.Object, Node: node}
	snapshot.ObjectID = id

	out := Outcome{LockID: id}

	// Step 2: process the note.
	if note.Kind == wire.NoteSurrender {
		if note.Agent == self {
			delete(sync, id)
			out.SelfSurrenderConfirmed = true
		} else {
			out.PeerSurrender = &wire.Deadlock{Victim: note.Agent, Lock: id}
		}
	}

	stored := t.Lock(id)

	// Step 3: outdated check.
	if lockid.Outdated(stored, snapshot.Version) {
		out.Ignored = true
		return out
	}

	// Step 4: awaiting our own surrender confirmation on this lock.
	if _, waiting := sync[id]; waiting {
		out.Ignored = true
		return out
	}

	out.WasInteresting = stored != nil && stored.Interesting()

	// Step 5: recompute holders before/after, update agentsHolding.
	var before []lockid.AgentID
	if stored != nil {
		before = stored.HeadAgents()
	}
	after := snapshot.HeadAgents()

	afterSet := make(map[lockid.AgentID]bool, len(after))
	for _, a := range after {
		afterSet[a] = true
	}
	for _, a := range before {
		if !afterSet[a] {
			t.RemoveHolding(a, id)
		}
	}
	beforeSet := make(map[lockid.AgentID]bool, len(before))
	for _, a := range before {
		beforeSet[a] = true
	}
	for _, a := range after {
		if !beforeSet[a] {
			t.AddHolding(a, id)
		}
	}

	snapCopy := snapshot
	t.PutLock(&snapCopy)
	delete(sync, id) // defensive removal, per step 5

	out.NowInteresting = snapCopy.Interesting()
	return out
}
