// Package fake is an in-memory lockserver.Client for tests, driven by
// hand: tests push LockStateUpdate values and flip Partitioned to
// simulate a split node, rather than running a real lock server.
// Grounded on the teacher's mockCluster/mockNode test doubles
// (consensus/testing_mocks.go), which record sent messages against a
// node and support a `partition` flag that fails sends.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/wire"
)

// Call records one Lock or Surrender invocation for test assertions.
type Call struct {
	Kind   string // "lock" or "surrender"
	Object lockid.Object
	Agent  lockid.AgentID
	Mode   lockid.Mode
}

// Client is the fake lockserver.Client.
type Client struct {
	node    lockid.NodeID
	updates chan wire.LockStateUpdate

	mu          sync.Mutex
	partitioned bool
	calls       []Call
}

// New returns a Client for node with a buffered update stream.
func New(node lockid.NodeID) *Client {
	return &Client{
		node:    node,
		updates: make(chan wire.LockStateUpdate, 64),
	}
}

func (c *Client) Node() lockid.NodeID { return c.node }

func (c *Client) Lock(ctx context.Context, object lockid.Object, agent lockid.AgentID, mode lockid.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partitioned {
		return fmt.Errorf("fake lockserver %s: partitioned", c.node)
	}
	c.calls = append(c.calls, Call{Kind: "lock", Object: object, Agent: agent, Mode: mode})
	return nil
}

func (c *Client) Surrender(ctx context.Context, object lockid.Object, agent lockid.AgentID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partitioned {
		return fmt.Errorf("fake lockserver %s: partitioned", c.node)
	}
	c.calls = append(c.calls, Call{Kind: "surrender", Object: object, Agent: agent})
	return nil
}

func (c *Client) Updates() <-chan wire.LockStateUpdate {
	return c.updates
}

// Push simulates the server emitting u, as if a real lock server had
// just changed a lock's queue.
func (c *Client) Push(u wire.LockStateUpdate) {
	c.updates <- u
}

// SetPartitioned flips whether Lock/Surrender fail, simulating a split
// node.
func (c *Client) SetPartitioned(p bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitioned = p
}

// Calls returns every Lock/Surrender call recorded so far.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}
