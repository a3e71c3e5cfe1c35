package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/wire"
)

// Probe checks whether node's lock server is currently reachable. A
// production caller supplies something that actually talks to the node
// (a ping RPC, a connection attempt); cmd/txagentd wires one in.
type Probe func(ctx context.Context, node lockid.NodeID) error

// PollWatcher is a reference monitor.NodeWatcher suitable for a
// single-process deployment: it periodically probes every configured
// node and flips its liveness the way the teacher's RemoteNode flips
// `status` between topology.NODE_UP/NODE_DOWN on send/connect failure
// and back to NODE_UP on a successful Start (cluster/node.go).
type PollWatcher struct {
	probe    Probe
	interval time.Duration
	nodes    []lockid.NodeID

	once   sync.Once
	events chan wire.NodeEvent

	mu          sync.Mutex
	up          map[lockid.NodeID]bool
	deathSubs   map[lockid.NodeID][]chan struct{}
	runningSubs map[lockid.NodeID][]chan struct{}
}

// NewPollWatcher returns a watcher over nodes, polling every interval.
// Every node starts out assumed up.
func NewPollWatcher(nodes []lockid.NodeID, interval time.Duration, probe Probe) *PollWatcher {
	up := make(map[lockid.NodeID]bool, len(nodes))
	for _, n := range nodes {
		up[n] = true
	}
	return &PollWatcher{
		probe:       probe,
		interval:    interval,
		nodes:       append([]lockid.NodeID{}, nodes...),
		events:      make(chan wire.NodeEvent, len(nodes)),
		up:          up,
		deathSubs:   make(map[lockid.NodeID][]chan struct{}),
		runningSubs: make(map[lockid.NodeID][]chan struct{}),
	}
}

// MonitorNodes starts the polling loop, tied to ctx, the first time it
// is called; subsequent calls just return the same event stream.
func (w *PollWatcher) MonitorNodes(ctx context.Context) (<-chan wire.NodeEvent, error) {
	w.once.Do(func() { go w.run(ctx) })
	return w.events, nil
}

// WatchServerDeath fires once when node's probe next fails. If node is
// already believed down, it fires immediately.
func (w *PollWatcher) WatchServerDeath(node lockid.NodeID) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.up[node] {
		return closedChan()
	}
	ch := make(chan struct{})
	w.deathSubs[node] = append(w.deathSubs[node], ch)
	return ch
}

// WatchLocksRunning fires once when node's probe next succeeds. If node
// is already believed up, it fires immediately.
func (w *PollWatcher) WatchLocksRunning(node lockid.NodeID) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.up[node] {
		return closedChan()
	}
	ch := make(chan struct{})
	w.runningSubs[node] = append(w.runningSubs[node], ch)
	return ch
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (w *PollWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *PollWatcher) pollOnce(ctx context.Context) {
	for _, n := range w.nodes {
		err := w.probe(ctx, n)
		nowUp := err == nil

		w.mu.Lock()
		wasUp := w.up[n]
		if wasUp == nowUp {
			w.mu.Unlock()
			continue
		}
		w.up[n] = nowUp

		var fire []chan struct{}
		if nowUp {
			fire = w.runningSubs[n]
			delete(w.runningSubs, n)
		} else {
			fire = w.deathSubs[n]
			delete(w.deathSubs, n)
		}
		w.mu.Unlock()

		logger.Infof("node %s transitioned to up=%v", n, nowUp)
		select {
		case w.events <- wire.NodeEvent{Node: n, Up: nowUp}:
		default:
			logger.Warningf("node event channel full, dropping %s up=%v", n, nowUp)
		}
		for _, ch := range fire {
			close(ch)
		}
	}
}
