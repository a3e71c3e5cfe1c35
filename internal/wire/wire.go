// Package wire defines the message and event payloads crossing the
// agent's three boundaries (§6): client commands and replies, lock
// server snapshots, and peer-agent notifications.
package wire

import (
	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/request"
)

// NoteKind tags the optional annotation riding along with a
// LockStateUpdate (§6.2).
type NoteKind int

const (
	NoteNone NoteKind = iota
	NoteSurrender
)

// Note is {surrender, agent} or absent, per §4.C step 2 / §6.2.
type Note struct {
	Kind  NoteKind
	Agent lockid.AgentID
}

// LockStateUpdate is what a lock server emits whenever a lock's queue
// changes, and what a peer agent relays informationally (§6.2, §6.3).
type LockStateUpdate struct {
	Lock  lockid.Lock
	Where lockid.NodeID
	Note  Note
}

// Surrendered is the peer notice sent after a voluntary surrender
// (§4.E step 5, §6.3).
type Surrendered struct {
	Sender lockid.AgentID
	Lock   lockid.LockId
}

// NodeEvent is {nodeup, N} / {nodedown, N} from the node liveness
// subscription (§6.4).
type NodeEvent struct {
	Node lockid.NodeID
	Up   bool
}

// ServerDown is the per-process monitor death signal for a lock server
// on a given node (§6.4).
type ServerDown struct {
	Node lockid.NodeID
}

// LocksRunning is emitted by a watcher when a lock server restarts on a
// node the agent was waiting on (§6.4, §4.F).
type LocksRunning struct {
	Node lockid.NodeID
}

// ClientDown signals that the owning client process has died (§4.F).
type ClientDown struct{}

// CommandKind discriminates the §4.G command table.
type CommandKind int

const (
	CmdLock CommandKind = iota
	CmdLockObjects
	CmdSurrenderNowait
	CmdAwaitAllLocks
	CmdChangeFlag
	CmdLockInfo
	CmdStop
)

// LockSpec is one entry of a lock/lock_objects request.
type LockSpec struct {
	Object  lockid.Object
	Mode    lockid.Mode
	Nodes   []lockid.NodeID
	Require lockid.Require
}

// Command is one envelope arriving from the client (§6.1, §4.G).
type Command struct {
	Kind CommandKind

	// CmdLock / CmdLockObjects
	Specs []LockSpec
	Wait  bool

	// CmdSurrenderNowait
	OtherAgent lockid.AgentID
	SurrNodes  []lockid.NodeID
	SurrObject lockid.Object

	// CmdChangeFlag
	Flag    ConfigFlag
	FlagVal bool
	// Events registers a persistent notification sink when Flag ==
	// FlagNotify and FlagVal == true (§6.1).
	Events chan Event

	// Reply is where the handler deposits its answer. For CmdLock with
	// Wait == true, and for CmdAwaitAllLocks while requests are still
	// pending, it is deferred until have_all/fatal per §4.G; every other
	// command is answered immediately.
	Reply chan Reply
}

// Event is one persistent notification delivered to a notify-mode
// subscriber: either a relayed lock-state update or the terminal
// have-all-locks signal (§6.1).
type Event struct {
	Kind    string
	Payload interface{}
}

const (
	EventLockState = "lock_state"
	EventHaveAll   = "have_all_locks"
)

// ConfigFlag names one of the §6.5 boolean options mutable at runtime.
type ConfigFlag int

const (
	FlagAbortOnDeadlock ConfigFlag = iota
	FlagAwaitNodes
	FlagNotify
)

// Status summarizes await_all_locks per §4.D.
type Status int

const (
	StatusNoLocks Status = iota
	StatusWaiting
	StatusHaveAll
	StatusCannotServe
)

// Reply is the answer to any Command.
type Reply struct {
	Err       error
	Status    Status
	Deadlocks []Deadlock
	Objects   []lockid.Object
	Info      *Info
}

// Deadlock is a purely-reported victim record (§3 `deadlocks`).
type Deadlock struct {
	Victim lockid.AgentID
	Lock   lockid.LockId
}

// Info is the snapshot returned by lock_info (§4.G).
type Info struct {
	Pending []*request.Request
	Active  []*request.Request
	Locks   []lockid.Lock
}
