package agent

import (
	"fmt"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/request"
)

// Kind discriminates the five error kinds of §7, plus the locally-added
// IllegalLockPattern (SPEC_FULL.md Open Question #3).
type Kind int

const (
	// KindNotRunning: no lock server present at startup.
	KindNotRunning Kind = iota
	// KindConflictingRequest: an incompatible re-request for an object
	// already in flight.
	KindConflictingRequest
	// KindCannotSurrender: a voluntary surrender's precondition failed.
	KindCannotSurrender
	// KindCannotLockObjects: nodes lost and quorum unreachable.
	KindCannotLockObjects
	// KindDeadlock: aborted because the self-victim lock had already
	// been promised to the client.
	KindDeadlock
	// KindIllegalLockPattern: a lock_objects batch named the same
	// object twice with different quorum requires in one call.
	KindIllegalLockPattern
)

func (k Kind) String() string {
	switch k {
	case KindNotRunning:
		return "not_running"
	case KindConflictingRequest:
		return "conflicting_request"
	case KindCannotSurrender:
		return "cannot_surrender"
	case KindCannotLockObjects:
		return "cannot_lock_objects"
	case KindDeadlock:
		return "deadlock"
	case KindIllegalLockPattern:
		return "illegal_lock_pattern"
	default:
		return "unknown"
	}
}

// AbortError is the single error type the agent raises; every raised
// error terminates the agent (§7). Kind-specific fields are populated
// according to which Kind is set; the rest are left zero.
type AbortError struct {
	Kind Kind

	Node       lockid.NodeID      // KindNotRunning
	Object     lockid.Object      // KindConflictingRequest, KindCannotSurrender, KindIllegalLockPattern
	OtherAgent lockid.AgentID     // KindCannotSurrender
	Requests   []*request.Request // KindCannotLockObjects
	Lock       lockid.LockId      // KindDeadlock

	Err error // wrapped underlying cause, if any
}

func (e *AbortError) Error() string {
	switch e.Kind {
	case KindNotRunning:
		return fmt.Sprintf("agent: no lock server running on %s at startup", e.Node)
	case KindConflictingRequest:
		return fmt.Sprintf("agent: conflicting request for %s: %v", e.Object, e.Err)
	case KindCannotSurrender:
		return fmt.Sprintf("agent: cannot surrender %s to %s", e.Object, e.OtherAgent)
	case KindCannotLockObjects:
		return fmt.Sprintf("agent: cannot lock %d object(s), quorum unreachable", len(e.Requests))
	case KindDeadlock:
		return fmt.Sprintf("agent: aborted by deadlock resolution, victim lock %s", e.Lock)
	case KindIllegalLockPattern:
		return fmt.Sprintf("agent: illegal lock pattern for %s", e.Object)
	default:
		return "agent: aborted"
	}
}

func (e *AbortError) Unwrap() error { return e.Err }
