// Package lockserver defines the agent-to-lock-server boundary of §6.2:
// one Client per node, issuing lock/surrender requests and receiving the
// asynchronous stream of LockStateUpdate snapshots that drives ingest.
package lockserver

import (
	"context"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/wire"
)

// Client is the operations an agent requires from the lock server owning
// one node (§6.2). Replies to Lock/Surrender are asynchronous: they
// arrive as LockStateUpdate values on Updates, not as return values here
// — the call below only reports whether the request was accepted for
// processing.
type Client interface {
	// Node names the node this Client is connected to.
	Node() lockid.NodeID

	// Lock requests object in mode on behalf of agent. The grant or
	// queue position arrives later as a LockStateUpdate.
	Lock(ctx context.Context, object lockid.Object, agent lockid.AgentID, mode lockid.Mode) error

	// Surrender releases object on behalf of agent. The server confirms
	// by emitting a LockStateUpdate whose Note reads {surrender, agent}.
	Surrender(ctx context.Context, object lockid.Object, agent lockid.AgentID) error

	// Updates streams every LockStateUpdate this lock server emits for
	// locks it owns, for the life of the connection.
	Updates() <-chan wire.LockStateUpdate
}
