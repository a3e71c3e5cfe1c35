// Package client implements the §4.G command table: translating
// wire.Command values into calls against an internal/agent.Agent and
// fanning out replies and notifications, including the client-side
// 5-second default timeout for lock_info/stop (§5: "not the server's
// concern").
package client

import (
	"context"
	"time"

	logging "github.com/op/go-logging"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("client")
}

// DefaultIntrospectTimeout is the client-side default applied to
// lock_info and stop (§5).
const DefaultIntrospectTimeout = 5 * time.Second

// Agent is the subset of internal/agent.Agent the dispatcher depends on,
// kept narrow so client never imports agent directly; both packages
// share the wire.Command/Reply types instead.
type Agent interface {
	Submit(cmd wire.Command)
}

// Session is the per-client facade: one Session per owning client
// process, wrapping its command channel to the agent.
type Session struct {
	agent Agent
}

// NewSession returns a Session dispatching onto agent.
func NewSession(agent Agent) *Session {
	return &Session{agent: agent}
}

// Lock issues a lock command. If wait is true, it blocks until the
// agent replies (have_all or a fatal abort); if false, it returns as
// soon as the agent accepts the command.
func (s *Session) Lock(ctx context.Context, specs []wire.LockSpec, wait bool) (wire.Reply, error) {
	reply := make(chan wire.Reply, 1)
	s.agent.Submit(wire.Command{Kind: wire.CmdLock, Specs: specs, Wait: wait, Reply: reply})
	if !wait {
		return wire.Reply{}, nil
	}
	select {
	case r := <-reply:
		return r, r.Err
	case <-ctx.Done():
		return wire.Reply{}, ctx.Err()
	}
}

// LockObjects issues a batch nowait lock over specs (§4.G).
func (s *Session) LockObjects(specs []wire.LockSpec) error {
	reply := make(chan wire.Reply, 1)
	s.agent.Submit(wire.Command{Kind: wire.CmdLockObjects, Specs: specs, Reply: reply})
	r := <-reply
	return r.Err
}

// SurrenderNowait issues a voluntary surrender of object on nodes in
// favor of other (§4.G).
func (s *Session) SurrenderNowait(object wire.LockSpec, other lockid.AgentID, nodes []lockid.NodeID) error {
	reply := make(chan wire.Reply, 1)
	s.agent.Submit(wire.Command{
		Kind:       wire.CmdSurrenderNowait,
		SurrObject: object.Object,
		OtherAgent: other,
		SurrNodes:  nodes,
		Reply:      reply,
	})
	r := <-reply
	return r.Err
}

// AwaitAllLocks blocks until the agent reports HaveAll, NoLocks or
// CannotServe; ctx governs cancellation (the client controls waiting,
// per §5 — there is no server-side timeout).
func (s *Session) AwaitAllLocks(ctx context.Context) (wire.Reply, error) {
	reply := make(chan wire.Reply, 1)
	s.agent.Submit(wire.Command{Kind: wire.CmdAwaitAllLocks, Reply: reply})
	select {
	case r := <-reply:
		return r, r.Err
	case <-ctx.Done():
		return wire.Reply{}, ctx.Err()
	}
}

// ChangeFlag mutates a runtime config flag (§4.G, §6.5).
func (s *Session) ChangeFlag(flag wire.ConfigFlag, val bool) error {
	reply := make(chan wire.Reply, 1)
	s.agent.Submit(wire.Command{Kind: wire.CmdChangeFlag, Flag: flag, FlagVal: val, Reply: reply})
	r := <-reply
	return r.Err
}

// EnableNotifications turns on persistent event delivery and registers
// events as the sink for every subsequent lock_state/have_all_locks
// event (§4.G, §6.1). Passing a nil channel disables notifications
// again, equivalent to ChangeFlag(FlagNotify, false).
func (s *Session) EnableNotifications(events chan wire.Event) error {
	reply := make(chan wire.Reply, 1)
	s.agent.Submit(wire.Command{
		Kind:    wire.CmdChangeFlag,
		Flag:    wire.FlagNotify,
		FlagVal: events != nil,
		Events:  events,
		Reply:   reply,
	})
	r := <-reply
	return r.Err
}

// LockInfo returns a snapshot of pending requests and locks tables,
// applying DefaultIntrospectTimeout unless ctx already carries a
// deadline.
func (s *Session) LockInfo(ctx context.Context) (*wire.Info, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	reply := make(chan wire.Reply, 1)
	s.agent.Submit(wire.Command{Kind: wire.CmdLockInfo, Reply: reply})
	select {
	case r := <-reply:
		return r.Info, r.Err
	case <-ctx.Done():
		logger.Warning("lock_info timed out")
		return nil, ctx.Err()
	}
}

// Stop ends the transaction. The agent does not check who sent the
// command: any holder of this Session can stop it, and
// config.Options.Client is not consulted.
func (s *Session) Stop(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	reply := make(chan wire.Reply, 1)
	s.agent.Submit(wire.Command{Kind: wire.CmdStop, Reply: reply})
	select {
	case r := <-reply:
		return r.Err
	case <-ctx.Done():
		logger.Warning("stop timed out")
		return ctx.Err()
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultIntrospectTimeout)
}
