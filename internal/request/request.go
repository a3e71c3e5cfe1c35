// Package request implements the request bookkeeping of §4.B: the
// normalizer that decides whether a new client lock request duplicates,
// extends, upgrades or conflicts with an existing one.
package request

import (
	"fmt"

	"github.com/lockmesh/txagent/internal/lockid"
)

// Request is a single client lock request in flight (§3).
type Request struct {
	Object  lockid.Object
	Mode    lockid.Mode
	Nodes   []lockid.NodeID
	Require lockid.Require
	ClaimNo uint64
}

// HasNode reports whether nodes contains n.
func HasNode(nodes []lockid.NodeID, n lockid.NodeID) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}

// sameNodeSet reports whether a and b contain exactly the same nodes,
// irrespective of order.
func sameNodeSet(a, b []lockid.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[lockid.NodeID]bool, len(a))
	for _, n := range a {
		seen[n] = true
	}
	for _, n := range b {
		if !seen[n] {
			return false
		}
	}
	return true
}

// supersetNodeSet reports whether have contains every node in want.
func supersetNodeSet(have, want []lockid.NodeID) bool {
	set := make(map[lockid.NodeID]bool, len(have))
	for _, n := range have {
		set[n] = true
	}
	for _, n := range want {
		if !set[n] {
			return false
		}
	}
	return true
}

func unionNodes(a, b []lockid.NodeID) []lockid.NodeID {
	set := make(map[lockid.NodeID]bool, len(a)+len(b))
	out := make([]lockid.NodeID, 0, len(a)+len(b))
	for _, n := range append(append([]lockid.NodeID{}, a...), b...) {
		if !set[n] {
			set[n] = true
			out = append(out, n)
		}
	}
	return out
}

// extraNodes returns the nodes in want not already present in have.
func extraNodes(have, want []lockid.NodeID) []lockid.NodeID {
	set := make(map[lockid.NodeID]bool, len(have))
	for _, n := range have {
		set[n] = true
	}
	var out []lockid.NodeID
	for _, n := range want {
		if !set[n] {
			out = append(out, n)
		}
	}
	return out
}

// ConflictingRequest is returned when a new request is incompatible with
// one already in flight for the same object (§4.B, §7).
type ConflictingRequest struct {
	Object   lockid.Object
	NewNodes []lockid.NodeID
	OldNodes []lockid.NodeID
}

func (e *ConflictingRequest) Error() string {
	return fmt.Sprintf("conflicting request for %s: new nodes %v vs existing %v",
		e.Object, e.NewNodes, e.OldNodes)
}

// Action describes what the normalizer decided to do with a new request.
type Action int

const (
	// ActionNoop means the new request is already satisfied by an
	// existing one; reply immediately, nothing else to do.
	ActionNoop Action = iota
	// ActionExtend means an existing request's node set grew; lock
	// requests must be issued for the newly added nodes only.
	ActionExtend
	// ActionUpgrade means a read request is being replaced by a write
	// request for the same object; every prior snapshot for the object
	// must be purged and the request re-issued from scratch.
	ActionUpgrade
	// ActionNew means no match was found; a fresh request was created.
	ActionNew
)

// Outcome is the result of normalizing one new request against a bag of
// existing requests for the same object.
type Outcome struct {
	Action     Action
	Request    *Request // the (possibly updated) request now tracked
	ExtraNodes []lockid.NodeID
}

// Normalize implements the §4.B decision table. pending and active are
// the existing requests for the same object, pending checked first;
// Normalize classifies against the first entry found in either bag and
// never inspects a second one — the decision table is exhaustive, so the
// first entry it finds always yields a result. On extend or upgrade it
// updates the matched request's Nodes (with a freshly built slice) or
// Mode itself; it does not touch any table, so callers apply the
// Outcome to their tables.
func Normalize(pending, active []*Request, object lockid.Object, mode lockid.Mode, nodes []lockid.NodeID, require lockid.Require, claimNo uint64) (Outcome, error) {
	var existing *Request
	for _, bag := range [][]*Request{pending, active} {
		if len(bag) > 0 {
			existing = bag[0]
			break
		}
	}

	if existing == nil {
		return Outcome{
			Action: ActionNew,
			Request: &Request{
				Object:  object.Clone(),
				Mode:    mode,
				Nodes:   append([]lockid.NodeID{}, nodes...),
				Require: require,
				ClaimNo: claimNo,
			},
		}, nil
	}

	return classify(existing, mode, nodes, require)
}

// classify applies the §4.B decision table to one existing request and
// the shape of an incoming one.
func classify(existing *Request, mode lockid.Mode, nodes []lockid.NodeID, require lockid.Require) (Outcome, error) {
	sameRequire := existing.Require == require

	switch {
	case existing.Mode == mode && sameRequire && supersetNodeSet(existing.Nodes, nodes):
		// existing covers the new request outright.
		return Outcome{Action: ActionNoop, Request: existing}, nil

	case existing.Mode == mode && sameRequire && supersetNodeSet(nodes, existing.Nodes) && !sameNodeSet(existing.Nodes, nodes):
		extra := extraNodes(existing.Nodes, nodes)
		existing.Nodes = unionNodes(existing.Nodes, nodes)
		return Outcome{Action: ActionExtend, Request: existing, ExtraNodes: extra}, nil

	case existing.Mode == lockid.ModeWrite && mode == lockid.ModeRead && sameRequire && sameNodeSet(existing.Nodes, nodes):
		// write already covers read.
		return Outcome{Action: ActionNoop, Request: existing}, nil

	case existing.Mode == lockid.ModeRead && mode == lockid.ModeWrite && sameRequire && sameNodeSet(existing.Nodes, nodes):
		existing.Mode = lockid.ModeWrite
		return Outcome{Action: ActionUpgrade, Request: existing}, nil

	default:
		return Outcome{}, &ConflictingRequest{
			Object:   existing.Object,
			NewNodes: nodes,
			OldNodes: existing.Nodes,
		}
	}
}
