// Package fake is an in-memory peer.Transport/Directory for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/peer"
	"github.com/lockmesh/txagent/internal/wire"
)

// Transport is the fake peer.Transport; it records everything sent to
// it rather than putting bytes on a wire.
type Transport struct {
	agent lockid.AgentID

	mu          sync.Mutex
	surrendered []wire.Surrendered
	lockUpdates []wire.LockStateUpdate
	unreachable bool
}

func newTransport(agent lockid.AgentID) *Transport {
	return &Transport{agent: agent}
}

func (t *Transport) Agent() lockid.AgentID { return t.agent }

func (t *Transport) SendSurrendered(ctx context.Context, msg wire.Surrendered) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unreachable {
		return fmt.Errorf("fake transport to %s: unreachable", t.agent)
	}
	t.surrendered = append(t.surrendered, msg)
	return nil
}

func (t *Transport) SendLockState(ctx context.Context, update wire.LockStateUpdate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unreachable {
		return fmt.Errorf("fake transport to %s: unreachable", t.agent)
	}
	t.lockUpdates = append(t.lockUpdates, update)
	return nil
}

// SetUnreachable flips whether sends fail.
func (t *Transport) SetUnreachable(u bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unreachable = u
}

// Surrendered returns every Surrendered message recorded so far.
func (t *Transport) Surrendered() []wire.Surrendered {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.Surrendered, len(t.surrendered))
	copy(out, t.surrendered)
	return out
}

// LockUpdates returns every LockStateUpdate recorded so far.
func (t *Transport) LockUpdates() []wire.LockStateUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.LockStateUpdate, len(t.lockUpdates))
	copy(out, t.lockUpdates)
	return out
}

// Directory is the fake peer.Directory: it hands out one Transport per
// agent, creating it on first lookup.
type Directory struct {
	mu    sync.Mutex
	peers map[lockid.AgentID]*Transport
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{peers: map[lockid.AgentID]*Transport{}}
}

func (d *Directory) Transport(agent lockid.AgentID) (peer.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.peers[agent]
	if !ok {
		t = newTransport(agent)
		d.peers[agent] = t
	}
	return t, nil
}

// Peer returns the concrete fake Transport for agent, installing one if
// none exists yet, for tests that want to drive SetUnreachable or
// inspect recorded sends directly.
func (d *Directory) Peer(agent lockid.AgentID) *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.peers[agent]
	if !ok {
		t = newTransport(agent)
		d.peers[agent] = t
	}
	return t
}
