// Package lockid defines the identity and value types shared by every
// other package in the agent: lock identities, modes, quorum
// requirements, queue entries and the versioned lock snapshot itself.
package lockid

import (
	"bytes"
	"strings"

	"github.com/google/uuid"
)

// NodeID names a node hosting a lock server. Kept distinct from AgentID
// so the compiler catches swapped arguments at call sites.
type NodeID string

// Object is a nonempty ordered sequence of hierarchical name components,
// e.g. []string{"accounts", "42", "balance"}.
type Object []string

func (o Object) String() string {
	return strings.Join(o, "/")
}

// Equal reports whether two objects name the same hierarchical key.
func (o Object) Equal(other Object) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy so callers can't mutate a shared Object slice.
func (o Object) Clone() Object {
	c := make(Object, len(o))
	copy(c, o)
	return c
}

// LockId is the unit of locking: an Object resident on a particular Node.
type LockId struct {
	Object Object
	Node   NodeID
}

func (id LockId) String() string {
	return id.Object.String() + "@" + string(id.Node)
}

// Less gives LockId a total order, used for deterministic iteration over
// the locks table (§4.A) and for the deadlock analyzer's choice of
// victim lock.
func (id LockId) Less(other LockId) bool {
	a, b := id.Object.String(), other.Object.String()
	if a != b {
		return a < b
	}
	return id.Node < other.Node
}

// Mode is the access mode of a lock request. Write covers read: a write
// holder satisfies a read waiter from the same agent.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Require is a per-request quorum policy.
type Require int

const (
	RequireAll Require = iota
	RequireAny
	RequireMajority
	RequireMajorityAlive
)

func (r Require) String() string {
	switch r {
	case RequireAll:
		return "all"
	case RequireAny:
		return "any"
	case RequireMajority:
		return "majority"
	case RequireMajorityAlive:
		return "majority_alive"
	default:
		return "unknown"
	}
}

// AgentID is a process-unique identifier for a peer agent. It is backed
// by a UUID so it carries the total order the deadlock analyzer's victim
// selection depends on (§4.E, §9).
type AgentID [16]byte

// NewAgentID mints an opaque identifier unique to this agent's lifetime.
func NewAgentID() AgentID {
	return AgentID(uuid.New())
}

func (a AgentID) String() string {
	return uuid.UUID(a).String()
}

// Compare returns -1, 0 or 1, giving every peer agent the same total
// order over AgentIDs without any coordination.
func (a AgentID) Compare(b AgentID) int {
	return bytes.Compare(a[:], b[:])
}

func (a AgentID) Less(b AgentID) bool {
	return a.Compare(b) < 0
}

// Zero reports whether this is the unset AgentID.
func (a AgentID) Zero() bool {
	return a == AgentID{}
}

// Entry is an agent-identified participant in a lock's queue, stamped
// with the lock server's monotonic version at the time it joined.
type Entry struct {
	Agent   AgentID
	Version uint64
}

// ElementKind tags a QueueElement as either a concurrently-granted read
// group or an exclusive write entry (§9: "model as a tagged variant...
// dispatch on the tag; do not use subclassing").
type ElementKind int

const (
	ElemRead ElementKind = iota
	ElemWrite
)

// QueueElement is one position in a lock's queue: either a set of read
// entries (granted concurrently) or a single exclusive write entry.
type QueueElement struct {
	Kind  ElementKind
	Reads []Entry // valid iff Kind == ElemRead
	Write Entry   // valid iff Kind == ElemWrite
}

// NewReadGroup builds a read QueueElement from one or more entries.
func NewReadGroup(entries ...Entry) QueueElement {
	return QueueElement{Kind: ElemRead, Reads: entries}
}

// NewWriteEntry builds a write QueueElement from a single entry.
func NewWriteEntry(e Entry) QueueElement {
	return QueueElement{Kind: ElemWrite, Write: e}
}

// Agents returns every agent present in this element, head or tail.
func (q QueueElement) Agents() []AgentID {
	if q.Kind == ElemWrite {
		return []AgentID{q.Write.Agent}
	}
	out := make([]AgentID, len(q.Reads))
	for i, e := range q.Reads {
		out[i] = e.Agent
	}
	return out
}

// Contains reports whether a is present anywhere in this element.
func (q QueueElement) Contains(a AgentID) bool {
	for _, id := range q.Agents() {
		if id == a {
			return true
		}
	}
	return false
}

// Lock is a versioned snapshot of a lock's holder/waiter queue, as
// reported by the lock server that owns ObjectID.Node.
type Lock struct {
	ObjectID LockId
	Version  uint64
	Queue    []QueueElement
}

// Outdated reports whether a snapshot with newVersion is stale relative
// to stored (nil stored means no prior snapshot, so never outdated).
func Outdated(stored *Lock, newVersion uint64) bool {
	return stored != nil && newVersion <= stored.Version
}

// HeadAgents returns the agents in the currently-granted (head) group.
// An empty queue has no head and returns nil.
func (l *Lock) HeadAgents() []AgentID {
	if len(l.Queue) == 0 {
		return nil
	}
	return l.Queue[0].Agents()
}

// Interesting reports whether this lock has contention: a holder and at
// least one waiter (§3 invariant 2).
func (l *Lock) Interesting() bool {
	return len(l.Queue) >= 2
}

// TailAgents returns every agent present in any element after the head.
func (l *Lock) TailAgents() []AgentID {
	var out []AgentID
	for _, elem := range l.Queue[1:] {
		out = append(out, elem.Agents()...)
	}
	return out
}

// TailContains reports whether agent a appears anywhere behind the head.
func (l *Lock) TailContains(a AgentID) bool {
	for _, elem := range l.Queue[1:] {
		if elem.Contains(a) {
			return true
		}
	}
	return false
}

// HoldsInMode reports whether agent a holds this lock at its head in a
// mode that covers the given request mode: a write holder covers both
// read and write requests; a read holder covers only read requests.
func (l *Lock) HoldsInMode(a AgentID, mode Mode) bool {
	if len(l.Queue) == 0 {
		return false
	}
	head := l.Queue[0]
	switch head.Kind {
	case ElemWrite:
		return head.Write.Agent == a
	case ElemRead:
		if mode == ModeWrite {
			return false
		}
		for _, e := range head.Reads {
			if e.Agent == a {
				return true
			}
		}
		return false
	default:
		return false
	}
}
