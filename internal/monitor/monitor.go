// Package monitor implements the failure handler of §4.F: tracking which
// nodes are down, dropping the lock state a dead lock server owned, and
// installing watchers that re-admit a node once its lock server is back.
package monitor

import (
	"context"

	logging "github.com/op/go-logging"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/request"
	"github.com/lockmesh/txagent/internal/tables"
	"github.com/lockmesh/txagent/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("monitor")
}

// NodeWatcher is the ambient node-liveness primitive of §6.4: node
// up/down events, a per-process death signal for the lock server on a
// node, and a one-shot "it's back" signal. Grounded on the teacher's
// `topology.DatacenterContainer` (tracking which nodes are known/up) and
// `cluster.RemoteNode.status` (flipping on send/connect failure).
type NodeWatcher interface {
	// MonitorNodes subscribes to node up/down transitions for the life
	// of ctx.
	MonitorNodes(ctx context.Context) (<-chan wire.NodeEvent, error)
	// WatchServerDeath fires once when the lock server on node dies.
	WatchServerDeath(node lockid.NodeID) <-chan struct{}
	// WatchLocksRunning fires once when the lock server on node is
	// confirmed running again.
	WatchLocksRunning(node lockid.NodeID) <-chan struct{}
}

// Handler owns the `down` set and the in-flight locks_running watchers
// (§3, §4.F).
type Handler struct {
	watcher  NodeWatcher
	down     map[lockid.NodeID]bool
	watching map[lockid.NodeID]bool
}

// New returns a Handler with no nodes marked down.
func New(w NodeWatcher) *Handler {
	return &Handler{
		watcher:  w,
		down:     make(map[lockid.NodeID]bool),
		watching: make(map[lockid.NodeID]bool),
	}
}

// IsDown reports whether n is currently recorded down.
func (h *Handler) IsDown(n lockid.NodeID) bool {
	return h.down[n]
}

// Down returns a snapshot of the down set in the shape
// internal/readiness expects.
func (h *Handler) Down() map[lockid.NodeID]struct{} {
	out := make(map[lockid.NodeID]struct{}, len(h.down))
	for n := range h.down {
		out[n] = struct{}{}
	}
	return out
}

// ServerDownOutcome reports the effect of one ServerDown call.
type ServerDownOutcome struct {
	// Ignored is true if n was already down (§4.F: "if N already in
	// down, ignore").
	Ignored bool

	// Dropped lists the (object, N) locks that were purged.
	Dropped []lockid.LockId

	// Requeued lists the requests moved from active back to pending
	// because they depended on a lock held on N.
	Requeued []*request.Request
}

// ServerDown applies §4.F's lock-server-death handling: if n is new to
// `down`, every lock entry and holding on n is dropped, affected active
// requests move back to pending, and a watcher is installed so the node
// is re-admitted once its lock server is confirmed running again. The
// caller is responsible for re-running readiness.Evaluate afterward and
// aborting with CannotLockObjects if await_nodes is false and some
// request became unservable.
func (h *Handler) ServerDown(t *tables.Tables, n lockid.NodeID, sink chan<- wire.LocksRunning) ServerDownOutcome {
	if h.down[n] {
		return ServerDownOutcome{Ignored: true}
	}
	h.down[n] = true

	var dropped []lockid.LockId
	for _, id := range t.AllLockIDs() {
		if id.Node != n {
			continue
		}
		if l := t.Lock(id); l != nil {
			for _, a := range l.HeadAgents() {
				t.RemoveHolding(a, id)
			}
		}
		t.DeleteLock(id)
		dropped = append(dropped, id)
	}

	var requeued []*request.Request
	for _, r := range t.AllActive() {
		if request.HasNode(r.Nodes, n) {
			t.MoveToPending(r)
			requeued = append(requeued, r)
		}
	}

	h.installWatcher(n, sink)
	return ServerDownOutcome{Dropped: dropped, Requeued: requeued}
}

// NodeUp applies §4.F's node-up handling: a watcher is (re)installed iff
// n is currently down; mere node presence does not imply a functioning
// lock server, so a node-up event for a node that was never marked down
// is ignored.
func (h *Handler) NodeUp(n lockid.NodeID, sink chan<- wire.LocksRunning) {
	if !h.down[n] {
		return
	}
	h.installWatcher(n, sink)
}

// LocksRunning applies §4.F's recovery step: n is removed from `down`,
// and every pending request listing n for its (object, N) component is
// returned for re-issue by the caller.
func (h *Handler) LocksRunning(t *tables.Tables, n lockid.NodeID) []*request.Request {
	delete(h.down, n)
	delete(h.watching, n)

	var reissue []*request.Request
	for _, r := range t.AllPending() {
		if request.HasNode(r.Nodes, n) {
			reissue = append(reissue, r)
		}
	}
	return reissue
}

// installWatcher spawns a one-shot goroutine that forwards the
// watcher's locks_running signal onto sink. Idempotent: a node already
// being watched is left alone.
func (h *Handler) installWatcher(n lockid.NodeID, sink chan<- wire.LocksRunning) {
	if h.watching[n] {
		return
	}
	h.watching[n] = true
	ready := h.watcher.WatchLocksRunning(n)
	go func() {
		<-ready
		sink <- wire.LocksRunning{Node: n}
	}()
}
