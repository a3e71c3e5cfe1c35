package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/cactus/go-statsd-client/v5/statsd"
	gocheck "gopkg.in/check.v1"

	"github.com/lockmesh/txagent/internal/config"
	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/lockserver"
	lockserverfake "github.com/lockmesh/txagent/internal/lockserver/fake"
	peerfake "github.com/lockmesh/txagent/internal/peer/fake"
	"github.com/lockmesh/txagent/internal/wire"
)

func Test(t *testing.T) { gocheck.TestingT(t) }

type AgentSuite struct{}

var _ = gocheck.Suite(&AgentSuite{})

// fakeWatcher is a hand-driven monitor.NodeWatcher: tests close the
// channel for a node to fire WatchServerDeath/WatchLocksRunning.
type fakeWatcher struct {
	deaths  map[lockid.NodeID]chan struct{}
	running map[lockid.NodeID]chan struct{}
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{
		deaths:  map[lockid.NodeID]chan struct{}{},
		running: map[lockid.NodeID]chan struct{}{},
	}
}

func (f *fakeWatcher) MonitorNodes(ctx context.Context) (<-chan wire.NodeEvent, error) {
	return make(chan wire.NodeEvent), nil
}

func (f *fakeWatcher) WatchServerDeath(node lockid.NodeID) <-chan struct{} {
	ch, ok := f.deaths[node]
	if !ok {
		ch = make(chan struct{})
		f.deaths[node] = ch
	}
	return ch
}

func (f *fakeWatcher) WatchLocksRunning(node lockid.NodeID) <-chan struct{} {
	ch, ok := f.running[node]
	if !ok {
		ch = make(chan struct{})
		f.running[node] = ch
	}
	return ch
}

// harness bundles one Agent with its fake lock servers and peer
// directory, driving the event loop by calling a.handle directly the
// way the teacher's manager tests drive Manager.HandleMessage (rather
// than running Run against a goroutine and racing on assertions).
type harness struct {
	agent   *Agent
	servers map[lockid.NodeID]*lockserverfake.Client
	peers   *peerfake.Directory
	watcher *fakeWatcher
}

func newHarness(opts config.Options, nodes ...lockid.NodeID) *harness {
	servers := make(map[lockid.NodeID]*lockserverfake.Client, len(nodes))
	clientServers := make(map[lockid.NodeID]lockserver.Client, len(nodes))
	for _, n := range nodes {
		fc := lockserverfake.New(n)
		servers[n] = fc
		clientServers[n] = fc
	}

	stats, _ := statsd.NewNoopClient()
	watcher := newFakeWatcher()
	peers := peerfake.NewDirectory()

	a := New(lockid.NewAgentID(), opts, clientServers, watcher, peers, stats)
	return &harness{agent: a, servers: servers, peers: peers, watcher: watcher}
}

// grant pushes a single-holder lock snapshot for (object, node) held by
// who, as if the real lock server on node had just granted it.
func (h *harness) grant(object lockid.Object, node lockid.NodeID, who lockid.AgentID) {
	snap := lockid.Lock{
		ObjectID: lockid.LockId{Object: object},
		Version:  1,
		Queue:    []lockid.QueueElement{lockid.NewWriteEntry(lockid.Entry{Agent: who})},
	}
	h.send(wire.LockStateUpdate{Lock: snap, Where: node})
}

func (h *harness) send(update wire.LockStateUpdate) {
	_, err := h.agent.handle(lockStateMsg{update: update})
	if err != nil {
		panic(err)
	}
}

func (h *harness) lock(object lockid.Object, mode lockid.Mode, nodes []lockid.NodeID, require lockid.Require, wait bool) (reply wire.Reply, stop bool, err error) {
	ch := make(chan wire.Reply, 1)
	cmd := wire.Command{
		Kind:  wire.CmdLock,
		Specs: []wire.LockSpec{{Object: object, Mode: mode, Nodes: nodes, Require: require}},
		Wait:  wait,
		Reply: ch,
	}
	stop, err = h.agent.handle(cmdMsg{cmd: cmd})
	if err == nil {
		select {
		case reply = <-ch:
		default:
		}
	}
	return reply, stop, err
}

func u64eq(c *gocheck.C, got, want uint64) {
	c.Assert(got, gocheck.Equals, want)
}

// --- scenario 1: single local lock -----------------------------------

func (s *AgentSuite) TestSingleLocalLockGranted(c *gocheck.C) {
	h := newHarness(config.Default(), "N1")
	object := lockid.Object{"account-1"}

	reply, stop, err := h.lock(object, lockid.ModeWrite, []lockid.NodeID{"N1"}, lockid.RequireAll, false)
	c.Assert(err, gocheck.IsNil)
	c.Assert(stop, gocheck.Equals, false)
	c.Check(reply.Err, gocheck.IsNil)
	c.Assert(len(h.servers["N1"].Calls()), gocheck.Equals, 1)
	c.Check(h.agent.HaveAll(), gocheck.Equals, false)

	h.grant(object, "N1", h.agent.Self())
	c.Check(h.agent.HaveAll(), gocheck.Equals, true)
	u64eq(c, h.agent.ClaimNo(), 1)
}

// --- scenario 2: majority quorum with one node down -------------------

func (s *AgentSuite) TestMajorityQuorumWithOneNodeDown(c *gocheck.C) {
	opts := config.Default()
	h := newHarness(opts, "N1", "N2", "N3")
	object := lockid.Object{"row-1"}

	_, _, err := h.lock(object, lockid.ModeWrite, []lockid.NodeID{"N1", "N2", "N3"}, lockid.RequireMajority, false)
	c.Assert(err, gocheck.IsNil)

	stop, err := h.agent.handle(serverDownMsg{node: "N3"})
	c.Assert(err, gocheck.IsNil)
	c.Assert(stop, gocheck.Equals, false)
	c.Check(h.agent.Down("N3"), gocheck.Equals, true)

	h.grant(object, "N1", h.agent.Self())
	c.Check(h.agent.HaveAll(), gocheck.Equals, false)
	h.grant(object, "N2", h.agent.Self())
	c.Check(h.agent.HaveAll(), gocheck.Equals, true)
}

// --- conflicting re-request (differing require) aborts ----------------

func (s *AgentSuite) TestConflictingRequestAborts(c *gocheck.C) {
	h := newHarness(config.Default(), "N1")
	object := lockid.Object{"o1"}

	_, _, err := h.lock(object, lockid.ModeWrite, []lockid.NodeID{"N1"}, lockid.RequireAll, false)
	c.Assert(err, gocheck.IsNil)

	ch := make(chan wire.Reply, 1)
	cmd := wire.Command{
		Kind:  wire.CmdLock,
		Specs: []wire.LockSpec{{Object: object, Mode: lockid.ModeWrite, Nodes: []lockid.NodeID{"N1"}, Require: lockid.RequireAny}},
		Reply: ch,
	}
	stop, err := h.agent.handle(cmdMsg{cmd: cmd})
	c.Assert(stop, gocheck.Equals, true)
	c.Assert(err, gocheck.NotNil)
	var aerr *AbortError
	c.Assert(errors.As(err, &aerr), gocheck.Equals, true)
	c.Check(aerr.Kind, gocheck.Equals, KindConflictingRequest)
}

func (s *AgentSuite) TestLockObjectsAmbiguousRequireRejected(c *gocheck.C) {
	h := newHarness(config.Default(), "N1")
	object := lockid.Object{"o1"}

	ch := make(chan wire.Reply, 1)
	cmd := wire.Command{
		Kind: wire.CmdLockObjects,
		Specs: []wire.LockSpec{
			{Object: object, Mode: lockid.ModeWrite, Nodes: []lockid.NodeID{"N1"}, Require: lockid.RequireAll},
			{Object: object, Mode: lockid.ModeWrite, Nodes: []lockid.NodeID{"N1"}, Require: lockid.RequireAny},
		},
		Reply: ch,
	}
	stop, err := h.agent.handle(cmdMsg{cmd: cmd})
	c.Assert(stop, gocheck.Equals, true)
	c.Assert(err, gocheck.NotNil)
	var aerr *AbortError
	c.Assert(errors.As(err, &aerr), gocheck.Equals, true)
	c.Check(aerr.Kind, gocheck.Equals, KindIllegalLockPattern)
	c.Check(aerr.Object, gocheck.DeepEquals, object)
}

// --- scenario 4: two-agent deadlock -----------------------------------

func (s *AgentSuite) TestTwoAgentDeadlockSelfSurrenderOrPeerVictim(c *gocheck.C) {
	h := newHarness(config.Default(), "N1", "N2")
	other := lockid.NewAgentID()
	self := h.agent.Self()

	o1 := lockid.Object{"o1"}
	o2 := lockid.Object{"o2"}

	_, _, err := h.lock(o1, lockid.ModeWrite, []lockid.NodeID{"N1"}, lockid.RequireAll, false)
	c.Assert(err, gocheck.IsNil)
	h.grant(o1, "N1", self)
	c.Check(h.agent.HaveAll(), gocheck.Equals, true)

	_, _, err = h.lock(o2, lockid.ModeWrite, []lockid.NodeID{"N2"}, lockid.RequireAll, false)
	c.Assert(err, gocheck.IsNil)

	waitingOnO1 := lockid.Lock{
		ObjectID: lockid.LockId{Object: o1},
		Version:  2,
		Queue: []lockid.QueueElement{
			lockid.NewWriteEntry(lockid.Entry{Agent: self}),
			lockid.NewWriteEntry(lockid.Entry{Agent: other}),
		},
	}
	h.send(wire.LockStateUpdate{Lock: waitingOnO1, Where: "N1"})

	waitingOnO2 := lockid.Lock{
		ObjectID: lockid.LockId{Object: o2},
		Version:  2,
		Queue: []lockid.QueueElement{
			lockid.NewWriteEntry(lockid.Entry{Agent: other}),
			lockid.NewWriteEntry(lockid.Entry{Agent: self}),
		},
	}
	stop, err := h.agent.handle(lockStateMsg{update: wire.LockStateUpdate{Lock: waitingOnO2, Where: "N2"}})
	c.Assert(err, gocheck.IsNil)
	c.Assert(stop, gocheck.Equals, false)

	// Victim selection picks the agent with the greater identifier. If
	// other outranks self, self only records other as the victim and
	// takes no action of its own; otherwise self is the
	// victim and surrenders its contested lock (o1 on N1).
	if self.Less(other) {
		c.Assert(len(h.agent.Deadlocks()) >= 1, gocheck.Equals, true)
	} else {
		found := false
		for _, call := range h.servers["N1"].Calls() {
			if call.Kind == "surrender" {
				found = true
			}
		}
		c.Check(found, gocheck.Equals, true)
	}
}

// --- scenario 5: node loss, await_nodes=false aborts -------------------

func (s *AgentSuite) TestNodeLossAbortsWhenNotAwaitingNodes(c *gocheck.C) {
	opts := config.Default()
	opts.AwaitNodes = false
	h := newHarness(opts, "N1", "N2")
	object := lockid.Object{"o1"}

	_, _, err := h.lock(object, lockid.ModeWrite, []lockid.NodeID{"N1", "N2"}, lockid.RequireAll, false)
	c.Assert(err, gocheck.IsNil)

	stop, err := h.agent.handle(serverDownMsg{node: "N2"})
	c.Assert(stop, gocheck.Equals, true)
	var aerr *AbortError
	c.Assert(errors.As(err, &aerr), gocheck.Equals, true)
	c.Check(aerr.Kind, gocheck.Equals, KindCannotLockObjects)
}

// --- scenario 6: node loss, await_nodes=true recovers ------------------

func (s *AgentSuite) TestNodeLossRecoversWhenAwaitingNodes(c *gocheck.C) {
	opts := config.Default()
	opts.AwaitNodes = true
	h := newHarness(opts, "N1", "N2")
	object := lockid.Object{"o1"}
	self := h.agent.Self()

	_, _, err := h.lock(object, lockid.ModeWrite, []lockid.NodeID{"N1", "N2"}, lockid.RequireAll, false)
	c.Assert(err, gocheck.IsNil)
	h.grant(object, "N1", self)

	stop, err := h.agent.handle(serverDownMsg{node: "N2"})
	c.Assert(err, gocheck.IsNil)
	c.Assert(stop, gocheck.Equals, false)
	c.Check(h.agent.HaveAll(), gocheck.Equals, false)

	stop, err = h.agent.handle(locksRunningMsg{node: "N2"})
	c.Assert(err, gocheck.IsNil)
	c.Assert(stop, gocheck.Equals, false)
	c.Assert(len(h.servers["N2"].Calls()), gocheck.Equals, 2)

	h.grant(object, "N2", self)
	c.Check(h.agent.HaveAll(), gocheck.Equals, true)
}

// --- property: await_all_locks blocks then flushes on have_all --------

func (s *AgentSuite) TestAwaitAllLocksBlocksThenFlushes(c *gocheck.C) {
	h := newHarness(config.Default(), "N1")
	object := lockid.Object{"o1"}

	_, _, err := h.lock(object, lockid.ModeWrite, []lockid.NodeID{"N1"}, lockid.RequireAll, false)
	c.Assert(err, gocheck.IsNil)

	ch := make(chan wire.Reply, 1)
	stop, err := h.agent.handle(cmdMsg{cmd: wire.Command{Kind: wire.CmdAwaitAllLocks, Reply: ch}})
	c.Assert(err, gocheck.IsNil)
	c.Assert(stop, gocheck.Equals, false)
	select {
	case <-ch:
		c.Fatal("await_all_locks replied before have_all")
	default:
	}

	h.grant(object, "N1", h.agent.Self())
	reply := <-ch
	c.Check(reply.Status, gocheck.Equals, wire.StatusHaveAll)
}

// --- property: client death terminates the loop cleanly ---------------

func (s *AgentSuite) TestClientDownStopsCleanly(c *gocheck.C) {
	h := newHarness(config.Default(), "N1")
	stop, err := h.agent.handle(clientDownMsg{})
	c.Assert(err, gocheck.IsNil)
	c.Check(stop, gocheck.Equals, true)
}

// --- property: change_flag(notify) registers a persistent subscriber --

func (s *AgentSuite) TestNotifyFlagDeliversHaveAllEvent(c *gocheck.C) {
	h := newHarness(config.Default(), "N1")
	object := lockid.Object{"o1"}

	events := make(chan wire.Event, 4)
	flagReply := make(chan wire.Reply, 1)
	stop, err := h.agent.handle(cmdMsg{cmd: wire.Command{
		Kind: wire.CmdChangeFlag, Flag: wire.FlagNotify, FlagVal: true, Events: events, Reply: flagReply,
	}})
	c.Assert(err, gocheck.IsNil)
	c.Assert(stop, gocheck.Equals, false)
	<-flagReply

	_, _, err = h.lock(object, lockid.ModeWrite, []lockid.NodeID{"N1"}, lockid.RequireAll, false)
	c.Assert(err, gocheck.IsNil)
	h.grant(object, "N1", h.agent.Self())

	close(events)
	sawLockState, sawHaveAll := false, false
	for ev := range events {
		switch ev.Kind {
		case wire.EventLockState:
			sawLockState = true
		case wire.EventHaveAll:
			sawHaveAll = true
		}
	}
	c.Check(sawLockState, gocheck.Equals, true)
	c.Check(sawHaveAll, gocheck.Equals, true)
}
