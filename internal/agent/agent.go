// Package agent implements the Transaction Agent itself: the Agent
// struct holding every table and scalar named in §3, and Run, the
// single-threaded event loop of §4.H dispatching to components B–G.
package agent

import (
	"context"
	"fmt"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/lockmesh/txagent/internal/config"
	"github.com/lockmesh/txagent/internal/deadlock"
	"github.com/lockmesh/txagent/internal/ingest"
	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/lockserver"
	"github.com/lockmesh/txagent/internal/monitor"
	"github.com/lockmesh/txagent/internal/peer"
	"github.com/lockmesh/txagent/internal/readiness"
	"github.com/lockmesh/txagent/internal/request"
	"github.com/lockmesh/txagent/internal/tables"
	"github.com/lockmesh/txagent/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("agent")
}

// Agent is the per-client actor described in §3. Every field below is
// touched only by the goroutine running Run (§5); there are no internal
// locks.
type Agent struct {
	self lockid.AgentID
	opts config.Options

	tables *tables.Tables

	interesting    []lockid.LockId
	interestingSet map[lockid.LockId]bool

	sync      map[lockid.LockId]struct{}
	monitored map[lockid.NodeID]bool
	deadlocks []wire.Deadlock

	// notify holds one-shot waiters for `lock(..., wait)` and
	// `await_all_locks`, both of which block until have_all or a fatal
	// abort (§4.G).
	notify []chan wire.Reply
	// events holds persistent per-client subscribers registered via
	// change_flag(notify, true) (§4.G, §6.1).
	events []chan wire.Event

	claimNo uint64
	haveAll bool

	abortOnDeadlock bool
	awaitNodes      bool
	notifyEvents    bool

	servers    map[lockid.NodeID]lockserver.Client
	watcher    monitor.NodeWatcher
	monHandler *monitor.Handler
	peers      peer.Directory

	stats statsd.Statter

	inbox        chan interface{}
	locksRunning chan wire.LocksRunning
}

// New constructs an Agent. servers must contain a lockserver.Client for
// every node the caller intends to lock on; the first lock request
// against a node with no registered Client fails with KindNotRunning.
func New(self lockid.AgentID, opts config.Options, servers map[lockid.NodeID]lockserver.Client, watcher monitor.NodeWatcher, peers peer.Directory, stats statsd.Statter) *Agent {
	a := &Agent{
		self:            self,
		opts:            opts,
		tables:          tables.New(),
		interestingSet:  make(map[lockid.LockId]bool),
		sync:            make(map[lockid.LockId]struct{}),
		monitored:       make(map[lockid.NodeID]bool),
		servers:         servers,
		watcher:         watcher,
		monHandler:      monitor.New(watcher),
		peers:           peers,
		stats:           stats,
		abortOnDeadlock: opts.AbortOnDeadlock,
		awaitNodes:      opts.AwaitNodes,
		notifyEvents:    opts.Notify,
		inbox:           make(chan interface{}, 64),
		locksRunning:    make(chan wire.LocksRunning, 16),
	}
	return a
}

// Submit delivers cmd to the agent's inbox; it implements
// internal/client.Agent.
func (a *Agent) Submit(cmd wire.Command) {
	a.inbox <- cmdMsg{cmd: cmd}
}

// NotifyPeerSurrendered delivers a peer's voluntary-surrender notice.
func (a *Agent) NotifyPeerSurrendered(msg wire.Surrendered) {
	a.inbox <- peerSurrenderedMsg{msg: msg}
}

// NotifyPeerLockState delivers a peer-relayed informational snapshot.
func (a *Agent) NotifyPeerLockState(update wire.LockStateUpdate) {
	a.inbox <- peerLockStateMsg{update: update}
}

// NotifyNodeEvent delivers a node up/down transition.
func (a *Agent) NotifyNodeEvent(ev wire.NodeEvent) {
	a.inbox <- nodeEventMsg{ev: ev}
}

// NotifyClientDown signals that the owning client process has died.
func (a *Agent) NotifyClientDown() {
	a.inbox <- clientDownMsg{}
}

// Run is the single-threaded event loop of §4.H. It starts one reader
// goroutine per registered lock server's update stream, one goroutine
// draining locksRunning signals, and then processes a.inbox until ctx is
// done, a client stop arrives, or a fatal error is raised.
func (a *Agent) Run(ctx context.Context) error {
	for node, srv := range a.servers {
		go a.forwardLockState(ctx, node, srv)
	}
	go a.forwardLocksRunning(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.inbox:
			stop, err := a.handle(msg)
			if err != nil {
				a.terminate(err)
				return err
			}
			if stop {
				return nil
			}
		}
	}
}

func (a *Agent) forwardLockState(ctx context.Context, node lockid.NodeID, srv lockserver.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-srv.Updates():
			if !ok {
				return
			}
			a.inbox <- lockStateMsg{update: update}
		}
	}
}

func (a *Agent) forwardLocksRunning(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.locksRunning:
			a.inbox <- locksRunningMsg{node: ev.Node}
		}
	}
}

// handle dispatches one inbox message. stop true means the agent should
// exit: cleanly (client death or an explicit stop) when err is nil, or
// as a fatal abort per §7 when err is non-nil.
func (a *Agent) handle(msg interface{}) (stop bool, err error) {
	defer func() {
		if err != nil {
			stop = true
		}
	}()
	switch m := msg.(type) {
	case cmdMsg:
		return a.handleCommand(m.cmd)
	case lockStateMsg:
		return false, a.handleLockState(m.update)
	case peerLockStateMsg:
		return false, a.handleLockState(m.update)
	case peerSurrenderedMsg:
		a.deadlocks = append(a.deadlocks, wire.Deadlock{Victim: m.msg.Sender, Lock: m.msg.Lock})
		return false, nil
	case nodeEventMsg:
		if m.ev.Up {
			a.monHandler.NodeUp(m.ev.Node, a.locksRunning)
		}
		return false, nil
	case serverDownMsg:
		return false, a.handleServerDown(m.node)
	case locksRunningMsg:
		return false, a.handleLocksRunning(m.node)
	case clientDownMsg:
		logger.Info("client died, terminating")
		return true, nil
	default:
		logger.Warningf("ignoring unrecognized message %T", msg)
		return false, nil
	}
}

func (a *Agent) terminate(err error) {
	logger.Errorf("agent aborting: %v", err)
	reply := wire.Reply{Err: err}
	for _, ch := range a.notify {
		ch <- reply
		close(ch)
	}
	a.notify = nil
}

// ensureMonitored starts watching node's lock server for death, once.
func (a *Agent) ensureMonitored(node lockid.NodeID) {
	if a.monitored[node] {
		return
	}
	a.monitored[node] = true
	death := a.watcher.WatchServerDeath(node)
	go func() {
		<-death
		a.inbox <- serverDownMsg{node: node}
	}()
}

// broadcastEvent delivers ev to every registered notify-mode
// subscriber, without blocking the event loop (§5: "those sends are
// non-blocking").
func (a *Agent) broadcastEvent(ev wire.Event) {
	for _, ch := range a.events {
		select {
		case ch <- ev:
		default:
			logger.Warning("dropping event, subscriber not keeping up")
		}
	}
}

func (a *Agent) markInteresting(id lockid.LockId, interesting bool) {
	if interesting == a.interestingSet[id] {
		return
	}
	if interesting {
		a.interestingSet[id] = true
		a.interesting = append(a.interesting, id)
		return
	}
	delete(a.interestingSet, id)
	for i, x := range a.interesting {
		if x == id {
			a.interesting = append(a.interesting[:i], a.interesting[i+1:]...)
			break
		}
	}
}

// issueLockRequests asks the lock server on each of nodes to lock
// req.Object in req.Mode on behalf of self, ensuring each node is
// monitored first (§4.B).
func (a *Agent) issueLockRequests(req *request.Request, nodes []lockid.NodeID) error {
	for _, n := range nodes {
		srv, ok := a.servers[n]
		if !ok {
			return &AbortError{Kind: KindNotRunning, Node: n}
		}
		a.ensureMonitored(n)
		if err := srv.Lock(context.Background(), req.Object, a.self, req.Mode); err != nil {
			logger.Warningf("lock request to %s failed: %v", n, err)
		}
		a.stats.Inc("lock.requested", 1, 1.0)
	}
	return nil
}

// ---------------------------------------------------------- accessors

// Self returns this agent's identity.
func (a *Agent) Self() lockid.AgentID { return a.self }

// Tables exposes the underlying tables for introspection and tests.
func (a *Agent) Tables() *tables.Tables { return a.tables }

// HaveAll reports the have_all latch.
func (a *Agent) HaveAll() bool { return a.haveAll }

// ClaimNo reports the current claim counter.
func (a *Agent) ClaimNo() uint64 { return a.claimNo }

// Deadlocks returns the purely-reported victim records (§3).
func (a *Agent) Deadlocks() []wire.Deadlock { return a.deadlocks }

// Interesting returns the ordered `interesting` set.
func (a *Agent) Interesting() []lockid.LockId { return a.interesting }

// Down reports whether node is currently recorded down.
func (a *Agent) Down(node lockid.NodeID) bool {
	return a.monHandler.IsDown(node)
}

var _ fmt.Stringer = Kind(0)
