package ingest

import (
	"testing"

	gocheck "gopkg.in/check.v1"

	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/tables"
	"github.com/lockmesh/txagent/internal/wire"
)

func Test(t *testing.T) { gocheck.TestingT(t) }

type IngestSuite struct{}

var _ = gocheck.Suite(&IngestSuite{})

func snap(object lockid.Object, version uint64, elems ...lockid.QueueElement) lockid.Lock {
	return lockid.Lock{ObjectID: lockid.LockId{Object: object}, Version: version, Queue: elems}
}

func (s *IngestSuite) TestFirstSnapshotGrantsHolder(c *gocheck.C) {
	t := tables.New()
	self := lockid.NewAgentID()
	sync := map[lockid.LockId]struct{}{}

	out := Ingest(self, t, sync, snap(lockid.Object{"o1"}, 1, lockid.NewWriteEntry(lockid.Entry{Agent: self})), "N1", wire.Note{})
	c.Assert(out.Ignored, gocheck.Equals, false)
	c.Check(t.Holds(self, out.LockID), gocheck.Equals, true)
	c.Check(out.NowInteresting, gocheck.Equals, false)
}

func (s *IngestSuite) TestOutdatedSnapshotIgnored(c *gocheck.C) {
	t := tables.New()
	a := lockid.NewAgentID()
	sync := map[lockid.LockId]struct{}{}

	Ingest(a, t, sync, snap(lockid.Object{"o1"}, 5, lockid.NewWriteEntry(lockid.Entry{Agent: a})), "N1", wire.Note{})
	before := t.Lock(lockid.LockId{Object: lockid.Object{"o1"}, Node: "N1"})

	out := Ingest(a, t, sync, snap(lockid.Object{"o1"}, 5, lockid.NewWriteEntry(lockid.Entry{Agent: a})), "N1", wire.Note{})
	c.Check(out.Ignored, gocheck.Equals, true)
	after := t.Lock(lockid.LockId{Object: lockid.Object{"o1"}, Node: "N1"})
	c.Check(after, gocheck.Equals, before)
}

func (s *IngestSuite) TestInterestingWhenQueueGrows(c *gocheck.C) {
	t := tables.New()
	a, b := lockid.NewAgentID(), lockid.NewAgentID()
	sync := map[lockid.LockId]struct{}{}

	Ingest(a, t, sync, snap(lockid.Object{"o1"}, 1, lockid.NewWriteEntry(lockid.Entry{Agent: a})), "N1", wire.Note{})
	out := Ingest(a, t, sync, snap(lockid.Object{"o1"}, 2,
		lockid.NewWriteEntry(lockid.Entry{Agent: a}),
		lockid.NewWriteEntry(lockid.Entry{Agent: b}),
	), "N1", wire.Note{})

	c.Check(out.WasInteresting, gocheck.Equals, false)
	c.Check(out.NowInteresting, gocheck.Equals, true)
}

func (s *IngestSuite) TestHolderChangeUpdatesAgentsHolding(c *gocheck.C) {
	t := tables.New()
	a, b := lockid.NewAgentID(), lockid.NewAgentID()
	sync := map[lockid.LockId]struct{}{}

	Ingest(a, t, sync, snap(lockid.Object{"o1"}, 1,
		lockid.NewWriteEntry(lockid.Entry{Agent: a}),
		lockid.NewWriteEntry(lockid.Entry{Agent: b}),
	), "N1", wire.Note{})

	// a surrenders, b now heads the queue alone.
	out := Ingest(a, t, sync, snap(lockid.Object{"o1"}, 2,
		lockid.NewWriteEntry(lockid.Entry{Agent: b}),
	), "N1", wire.Note{})

	c.Check(t.Holds(a, out.LockID), gocheck.Equals, false)
	c.Check(t.Holds(b, out.LockID), gocheck.Equals, true)
}

func (s *IngestSuite) TestSyncGuardIgnoresUpdate(c *gocheck.C) {
	t := tables.New()
	a := lockid.NewAgentID()
	id := lockid.LockId{Object: lockid.Object{"o1"}, Node: "N1"}
	sync := map[lockid.LockId]struct{}{id: {}}

	out := Ingest(a, t, sync, snap(lockid.Object{"o1"}, 1, lockid.NewWriteEntry(lockid.Entry{Agent: a})), "N1", wire.Note{})
	c.Check(out.Ignored, gocheck.Equals, true)
}

func (s *IngestSuite) TestSelfSurrenderConfirmationClearsSync(c *gocheck.C) {
	t := tables.New()
	a := lockid.NewAgentID()
	id := lockid.LockId{Object: lockid.Object{"o1"}, Node: "N1"}
	sync := map[lockid.LockId]struct{}{id: {}}

	note := wire.Note{Kind: wire.NoteSurrender, Agent: a}
	out := Ingest(a, t, sync, snap(lockid.Object{"o1"}, 2), "N1", note)
	c.Check(out.SelfSurrenderConfirmed, gocheck.Equals, true)
	c.Check(len(sync), gocheck.Equals, 0)
}

func (s *IngestSuite) TestPeerSurrenderRecorded(c *gocheck.C) {
	t := tables.New()
	a, other := lockid.NewAgentID(), lockid.NewAgentID()
	sync := map[lockid.LockId]struct{}{}

	note := wire.Note{Kind: wire.NoteSurrender, Agent: other}
	out := Ingest(a, t, sync, snap(lockid.Object{"o1"}, 1), "N1", note)
	c.Assert(out.PeerSurrender, gocheck.NotNil)
	c.Check(out.PeerSurrender.Victim, gocheck.Equals, other)
}
