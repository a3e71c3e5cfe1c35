package deadlock

import (
	"testing"

	gocheck "gopkg.in/check.v1"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/request"
	"github.com/lockmesh/txagent/internal/tables"
)

func Test(t *testing.T) { gocheck.TestingT(t) }

type DeadlockSuite struct{}

var _ = gocheck.Suite(&DeadlockSuite{})

// queue builds a two-element write-vs-write queue: head holds, tail waits.
func queue(head, tail lockid.AgentID) []lockid.QueueElement {
	return []lockid.QueueElement{
		lockid.NewWriteEntry(lockid.Entry{Agent: head}),
		lockid.NewWriteEntry(lockid.Entry{Agent: tail}),
	}
}

func setup(t *tables.Tables, object lockid.Object, node lockid.NodeID, head, tail lockid.AgentID) lockid.LockId {
	id := lockid.LockId{Object: object, Node: node}
	t.PutLock(&lockid.Lock{ObjectID: id, Version: 1, Queue: queue(head, tail)})
	t.AddHolding(head, id)
	return id
}

func (s *DeadlockSuite) TestNoCycleNoDecision(c *gocheck.C) {
	tb := tables.New()
	a, b := lockid.NewAgentID(), lockid.NewAgentID()
	id := setup(tb, lockid.Object{"o1"}, "N1", a, b)

	d := Analyze(a, tb, []lockid.LockId{id}, false, 0)
	c.Check(d.Kind, gocheck.Equals, KindNone)
}

func (s *DeadlockSuite) TestTwoAgentCycleHigherIDIsVictim(c *gocheck.C) {
	tb := tables.New()
	a1, a2 := lockid.NewAgentID(), lockid.NewAgentID()
	if a1.Less(a2) {
		a1, a2 = a2, a1
	}
	// a1 > a2. a1 holds o4, a2 waits on it; a2 holds o5, a1 waits on it.
	id4 := setup(tb, lockid.Object{"o4"}, "N1", a1, a2)
	id5 := setup(tb, lockid.Object{"o5"}, "N1", a2, a1)

	want := a1
	d := Analyze(want, tb, []lockid.LockId{id4, id5}, false, 0)
	c.Assert(d.Kind, gocheck.Equals, KindSelfSurrender)
	c.Check(d.Victim, gocheck.Equals, want)
	c.Check(d.VictimLock, gocheck.Equals, id4)
}

func (s *DeadlockSuite) TestTwoAgentCyclePeerVictimRecordedNotActed(c *gocheck.C) {
	tb := tables.New()
	a1, a2 := lockid.NewAgentID(), lockid.NewAgentID()
	if a1.Less(a2) {
		a1, a2 = a2, a1
	}
	id4 := setup(tb, lockid.Object{"o4"}, "N1", a1, a2)
	id5 := setup(tb, lockid.Object{"o5"}, "N1", a2, a1)

	// self == a2, the non-victim.
	d := Analyze(a2, tb, []lockid.LockId{id4, id5}, false, 0)
	c.Assert(d.Kind, gocheck.Equals, KindPeerVictim)
	c.Check(d.Victim, gocheck.Equals, a1)
	c.Check(d.VictimLock, gocheck.Equals, id4)
}

func (s *DeadlockSuite) TestAbortOnDeadlockWhenAlreadyClaimed(c *gocheck.C) {
	tb := tables.New()
	a1, a2 := lockid.NewAgentID(), lockid.NewAgentID()
	if a1.Less(a2) {
		a1, a2 = a2, a1
	}
	id4 := setup(tb, lockid.Object{"o4"}, "N1", a1, a2)
	id5 := setup(tb, lockid.Object{"o5"}, "N1", a2, a1)

	tb.AddActive(&request.Request{Object: lockid.Object{"o4"}, Mode: lockid.ModeWrite, ClaimNo: 1})

	d := Analyze(a1, tb, []lockid.LockId{id4, id5}, true, 5)
	c.Assert(d.Kind, gocheck.Equals, KindSelfAbort)
	c.Check(d.VictimLock, gocheck.Equals, id4)
}

func (s *DeadlockSuite) TestSurrenderBroadcastExcludesQueueMembers(c *gocheck.C) {
	tb := tables.New()
	a1, a2 := lockid.NewAgentID(), lockid.NewAgentID()
	if a1.Less(a2) {
		a1, a2 = a2, a1
	}
	id4 := setup(tb, lockid.Object{"o4"}, "N1", a1, a2)
	id5 := setup(tb, lockid.Object{"o5"}, "N1", a2, a1)

	// A third agent holds something unrelated and should be informed.
	bystander := lockid.NewAgentID()
	bystanderLock := lockid.LockId{Object: lockid.Object{"o9"}, Node: "N1"}
	tb.PutLock(&lockid.Lock{ObjectID: bystanderLock, Version: 1, Queue: []lockid.QueueElement{
		lockid.NewWriteEntry(lockid.Entry{Agent: bystander}),
	}})
	tb.AddHolding(bystander, bystanderLock)

	d := Analyze(a1, tb, []lockid.LockId{id4, id5}, false, 0)
	c.Assert(d.Kind, gocheck.Equals, KindSelfSurrender)

	found := false
	for _, b := range d.Broadcast {
		if b == a2 {
			c.Fatal("a2 is already in the victim lock's queue and should not be broadcast to")
		}
		if b == bystander {
			found = true
		}
	}
	c.Check(found, gocheck.Equals, true)
}
