package agent

import (
	"context"
	"errors"

	"github.com/lockmesh/txagent/internal/deadlock"
	"github.com/lockmesh/txagent/internal/ingest"
	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/readiness"
	"github.com/lockmesh/txagent/internal/request"
	"github.com/lockmesh/txagent/internal/wire"
)

// handleCommand implements the §4.G command table.
func (a *Agent) handleCommand(cmd wire.Command) (stop bool, err error) {
	switch cmd.Kind {
	case wire.CmdLock:
		for _, spec := range cmd.Specs {
			if aerr := a.applySpec(spec); aerr != nil {
				return true, aerr
			}
		}
		if cmd.Wait {
			a.registerWaiter(cmd.Reply)
		} else if cmd.Reply != nil {
			cmd.Reply <- wire.Reply{}
		}
		return false, a.afterStateChange()

	case wire.CmdLockObjects:
		if aerr := validateLockPattern(cmd.Specs); aerr != nil {
			return true, aerr
		}
		for _, spec := range cmd.Specs {
			if aerr := a.applySpec(spec); aerr != nil {
				return true, aerr
			}
		}
		if cmd.Reply != nil {
			cmd.Reply <- wire.Reply{}
		}
		return false, a.afterStateChange()

	case wire.CmdSurrenderNowait:
		aerr := a.handleSurrenderNowait(cmd)
		if cmd.Reply != nil {
			cmd.Reply <- wire.Reply{Err: aerr}
		}
		return false, nil

	case wire.CmdAwaitAllLocks:
		status, objects := readiness.Summarize(a.tables, a.self, a.monHandler.Down(), a.awaitNodes)
		switch status {
		case readiness.StatusWaiting:
			a.registerWaiter(cmd.Reply)
		default:
			cmd.Reply <- wire.Reply{Status: wire.Status(status), Objects: objects, Deadlocks: append([]wire.Deadlock{}, a.deadlocks...)}
		}
		return false, nil

	case wire.CmdChangeFlag:
		switch cmd.Flag {
		case wire.FlagAbortOnDeadlock:
			a.abortOnDeadlock = cmd.FlagVal
		case wire.FlagAwaitNodes:
			a.awaitNodes = cmd.FlagVal
		case wire.FlagNotify:
			a.notifyEvents = cmd.FlagVal
			if cmd.FlagVal && cmd.Events != nil {
				a.events = append(a.events, cmd.Events)
			} else if !cmd.FlagVal {
				a.events = nil
			}
		}
		if cmd.Reply != nil {
			cmd.Reply <- wire.Reply{}
		}
		return false, nil

	case wire.CmdLockInfo:
		info := &wire.Info{Pending: a.tables.AllPending(), Active: a.tables.AllActive()}
		for _, l := range a.tables.OrderedLocks() {
			info.Locks = append(info.Locks, *l)
		}
		if cmd.Reply != nil {
			cmd.Reply <- wire.Reply{Info: info}
		}
		return false, nil

	case wire.CmdStop:
		if cmd.Reply != nil {
			cmd.Reply <- wire.Reply{}
		}
		return true, nil

	default:
		logger.Warningf("ignoring unrecognized command kind %v", cmd.Kind)
		return false, nil
	}
}

// validateLockPattern rejects a lock_objects batch that names the same
// object twice with a different quorum requirement: the {Obj,Mode,Where,Req}
// 4-tuple gives no way to decide which Req applies to that object, so
// rather than silently picking one (the original's latent bug), the batch
// is rejected outright (§10 Q3).
func validateLockPattern(specs []wire.LockSpec) error {
	seen := make(map[string]lockid.Require, len(specs))
	for _, spec := range specs {
		key := spec.Object.String()
		if require, ok := seen[key]; ok {
			if require != spec.Require {
				return &AbortError{Kind: KindIllegalLockPattern, Object: spec.Object}
			}
			continue
		}
		seen[key] = spec.Require
	}
	return nil
}

// applySpec normalizes one lock spec against the requests already in
// flight for its object and issues the resulting lock requests (§4.B).
func (a *Agent) applySpec(spec wire.LockSpec) error {
	pending := a.tables.Pending(spec.Object)
	active := a.tables.Active(spec.Object)
	outcome, err := request.Normalize(pending, active, spec.Object, spec.Mode, spec.Nodes, spec.Require, a.claimNo)
	if err != nil {
		var conflict *request.ConflictingRequest
		if errors.As(err, &conflict) {
			return &AbortError{Kind: KindConflictingRequest, Object: spec.Object, Err: err}
		}
		return err
	}

	switch outcome.Action {
	case request.ActionNew:
		a.tables.AddPending(outcome.Request)
		return a.issueLockRequests(outcome.Request, outcome.Request.Nodes)

	case request.ActionExtend:
		return a.issueLockRequests(outcome.Request, outcome.ExtraNodes)

	case request.ActionUpgrade:
		for _, n := range outcome.Request.Nodes {
			id := lockid.LockId{Object: spec.Object, Node: n}
			if l := a.tables.Lock(id); l != nil {
				for _, ag := range l.HeadAgents() {
					a.tables.RemoveHolding(ag, id)
				}
			}
			a.tables.DeleteLock(id)
			a.markInteresting(id, false)
		}
		a.demoteToPending(outcome.Request)
		return a.issueLockRequests(outcome.Request, outcome.Request.Nodes)

	case request.ActionNoop:
		return nil

	default:
		return nil
	}
}

// demoteToPending moves r from active to pending if it is currently
// active; a request already pending is left alone.
func (a *Agent) demoteToPending(r *request.Request) {
	for _, req := range a.tables.Active(r.Object) {
		if req == r {
			a.tables.MoveToPending(r)
			return
		}
	}
}

// handleSurrenderNowait implements §4.G's voluntary surrender command:
// for each listed node, self must hold the lock and other must be
// somewhere in the tail.
func (a *Agent) handleSurrenderNowait(cmd wire.Command) error {
	for _, n := range cmd.SurrNodes {
		id := lockid.LockId{Object: cmd.SurrObject, Node: n}
		l := a.tables.Lock(id)
		if l == nil || !l.HoldsInMode(a.self, lockid.ModeRead) && !l.HoldsInMode(a.self, lockid.ModeWrite) {
			return &AbortError{Kind: KindCannotSurrender, Object: cmd.SurrObject, OtherAgent: cmd.OtherAgent}
		}
		if !l.TailContains(cmd.OtherAgent) {
			return &AbortError{Kind: KindCannotSurrender, Object: cmd.SurrObject, OtherAgent: cmd.OtherAgent}
		}
	}
	for _, n := range cmd.SurrNodes {
		id := lockid.LockId{Object: cmd.SurrObject, Node: n}
		a.surrenderLock(id, a.broadcastTargetsExcludingQueue(id))
	}
	return nil
}

// broadcastTargetsExcludingQueue lists every agent holding something
// other than agents already present in id's queue (they learn via the
// lock server instead), matching §4.E step 5's broadcast rule.
func (a *Agent) broadcastTargetsExcludingQueue(id lockid.LockId) []lockid.AgentID {
	l := a.tables.Lock(id)
	inQueue := map[lockid.AgentID]bool{}
	if l != nil {
		for _, elem := range l.Queue {
			for _, ag := range elem.Agents() {
				inQueue[ag] = true
			}
		}
	}
	var out []lockid.AgentID
	for _, ag := range a.tables.HoldingAgents() {
		if ag == a.self || inQueue[ag] {
			continue
		}
		out = append(out, ag)
	}
	return out
}

// handleLockState implements §4.C, then chains into §4.D/§4.E.
func (a *Agent) handleLockState(update wire.LockStateUpdate) error {
	out := ingest.Ingest(a.self, a.tables, a.sync, update.Lock, update.Where, update.Note)
	if out.PeerSurrender != nil {
		a.deadlocks = append(a.deadlocks, *out.PeerSurrender)
	}
	if out.Ignored {
		return nil
	}
	if out.WasInteresting != out.NowInteresting {
		a.markInteresting(out.LockID, out.NowInteresting)
	}
	if a.notifyEvents {
		if l := a.tables.Lock(out.LockID); l != nil {
			a.broadcastEvent(wire.Event{Kind: wire.EventLockState, Payload: *l})
		}
	}
	return a.afterStateChange()
}

// handleServerDown implements §4.F's lock-server-death handling.
func (a *Agent) handleServerDown(node lockid.NodeID) error {
	out := a.monHandler.ServerDown(a.tables, node, a.locksRunning)
	if out.Ignored {
		return nil
	}
	for _, id := range out.Dropped {
		a.markInteresting(id, false)
	}
	return a.afterStateChange()
}

// handleLocksRunning implements §4.F's recovery step.
func (a *Agent) handleLocksRunning(node lockid.NodeID) error {
	reissue := a.monHandler.LocksRunning(a.tables, node)
	for _, r := range reissue {
		if err := a.issueLockRequests(r, []lockid.NodeID{node}); err != nil {
			return err
		}
	}
	return a.afterStateChange()
}

// afterStateChange re-runs readiness (§4.D) and, while have_all is
// still false, the deadlock analyzer (§4.E) — the two components §4.C's
// step 6 says to chain into after any state change.
func (a *Agent) afterStateChange() error {
	res := readiness.Evaluate(a.tables, a.self, a.monHandler.Down(), a.awaitNodes)
	for _, req := range res.Satisfied {
		a.tables.MoveToActive(req)
		a.stats.Inc("quorum.reached", 1, 1.0)
	}
	if len(res.Unservable) > 0 {
		return &AbortError{Kind: KindCannotLockObjects, Requests: res.Unservable}
	}

	pendingEmpty := len(a.tables.AllPending()) == 0
	switch {
	case pendingEmpty && !a.haveAll:
		a.haveAll = true
		a.claimNo++
		a.popAwaitAll()
		if a.notifyEvents {
			a.broadcastEvent(wire.Event{Kind: wire.EventHaveAll, Payload: append([]wire.Deadlock{}, a.deadlocks...)})
		}
	case !pendingEmpty && a.haveAll:
		// A new request arrived after a prior batch already settled;
		// have_all must re-arm so the deadlock analyzer resumes
		// running against the freshly pending request.
		a.haveAll = false
	}

	if a.haveAll {
		return nil
	}
	return a.runDeadlockAnalysis()
}

func (a *Agent) registerWaiter(ch chan wire.Reply) {
	if ch == nil {
		return
	}
	a.notify = append(a.notify, ch)
}

func (a *Agent) popAwaitAll() {
	reply := wire.Reply{Status: wire.StatusHaveAll, Deadlocks: append([]wire.Deadlock{}, a.deadlocks...)}
	waiters := a.notify
	a.notify = nil
	for _, ch := range waiters {
		ch <- reply
		close(ch)
	}
}

// runDeadlockAnalysis runs §4.E and applies whatever it decides.
func (a *Agent) runDeadlockAnalysis() error {
	d := deadlock.Analyze(a.self, a.tables, a.interesting, a.abortOnDeadlock, a.claimNo)
	a.stats.Inc("deadlock.analyzed", 1, 1.0)

	switch d.Kind {
	case deadlock.KindNone:
		for _, inf := range d.Inform {
			a.relayInform(inf)
		}
	case deadlock.KindSelfAbort:
		return &AbortError{Kind: KindDeadlock, Lock: d.VictimLock}
	case deadlock.KindSelfSurrender:
		a.stats.Inc("deadlock.detected", 1, 1.0)
		a.surrenderLock(d.VictimLock, d.Broadcast)
	case deadlock.KindPeerVictim:
		a.stats.Inc("deadlock.detected", 1, 1.0)
		a.deadlocks = append(a.deadlocks, d.ToDeadlockRecord())
	}
	return nil
}

func (a *Agent) relayInform(inf deadlock.PeerInform) {
	l := a.tables.Lock(inf.Lock)
	if l == nil {
		return
	}
	t, err := a.peers.Transport(inf.Agent)
	if err != nil {
		logger.Warningf("no transport to %s: %v", inf.Agent, err)
		return
	}
	update := wire.LockStateUpdate{Lock: *l, Where: inf.Lock.Node}
	if err := t.SendLockState(context.Background(), update); err != nil {
		logger.Warningf("relay to %s failed: %v", inf.Agent, err)
	}
}

// surrenderLock performs the voluntary surrender protocol shared by
// §4.E step 5 and the surrender_nowait command: drop the lock locally,
// mark it pending confirmation, ask the lock server to release it, and
// inform the given peers.
func (a *Agent) surrenderLock(id lockid.LockId, broadcast []lockid.AgentID) {
	if l := a.tables.Lock(id); l != nil {
		for _, ag := range l.HeadAgents() {
			a.tables.RemoveHolding(ag, id)
		}
	}
	a.tables.DeleteLock(id)
	a.sync[id] = struct{}{}
	a.markInteresting(id, false)
	a.stats.Inc("surrender.initiated", 1, 1.0)

	if srv, ok := a.servers[id.Node]; ok {
		if err := srv.Surrender(context.Background(), id.Object, a.self); err != nil {
			logger.Warningf("surrender request to %s failed: %v", id.Node, err)
		}
	}
	for _, peerAgent := range broadcast {
		t, err := a.peers.Transport(peerAgent)
		if err != nil {
			logger.Warningf("no transport to %s: %v", peerAgent, err)
			continue
		}
		if err := t.SendSurrendered(context.Background(), wire.Surrendered{Sender: a.self, Lock: id}); err != nil {
			logger.Warningf("surrendered notice to %s failed: %v", peerAgent, err)
		}
	}
}
