// Package peer defines the agent-to-agent boundary of §6.3: relaying a
// voluntary Surrendered notice, and relaying a LockStateUpdate
// informationally to make a peer aware of contention in the
// sparse-contention case (§4.E step 3).
package peer

import (
	"context"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/wire"
)

// Transport sends messages to a specific peer agent. The agent looks up
// a Transport by AgentID the same way it looks up a lockserver.Client by
// NodeID; both are ambient connection abstractions (§6, §9).
type Transport interface {
	// Agent names the peer this Transport reaches.
	Agent() lockid.AgentID

	// SendSurrendered relays {surrendered, sender, lock} (§6.3).
	SendSurrendered(ctx context.Context, msg wire.Surrendered) error

	// SendLockState relays a LockStateUpdate informationally, as if it
	// had come from a lock server (§6.3, §4.E step 3).
	SendLockState(ctx context.Context, update wire.LockStateUpdate) error
}

// Directory resolves peer agents to a Transport, installing one lazily
// the first time the agent needs to talk to a previously-unseen peer.
type Directory interface {
	Transport(agent lockid.AgentID) (Transport, error)
}
