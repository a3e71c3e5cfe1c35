package agent

import (
	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/wire"
)

// The agent's inbox carries one of the message types below, a closed
// sum type delivered sequentially from a single channel (§4.H, §5).

type cmdMsg struct {
	cmd wire.Command
}

type lockStateMsg struct {
	update wire.LockStateUpdate
}

type peerSurrenderedMsg struct {
	msg wire.Surrendered
}

type peerLockStateMsg struct {
	update wire.LockStateUpdate
}

type nodeEventMsg struct {
	ev wire.NodeEvent
}

type serverDownMsg struct {
	node lockid.NodeID
}

type locksRunningMsg struct {
	node lockid.NodeID
}

type clientDownMsg struct{}
