package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	gocheck "gopkg.in/check.v1"

	"github.com/lockmesh/txagent/internal/lockid"
)

var errProbeFailed = errors.New("probe failed")

type PollWatcherSuite struct{}

var _ = gocheck.Suite(&PollWatcherSuite{})

// toggleProbe starts out healthy and returns whatever failure state was
// last set via setFailing, for deterministic poller tests.
type toggleProbe struct {
	mu      sync.Mutex
	failing bool
}

func (p *toggleProbe) setFailing(f bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = f
}

func (p *toggleProbe) probe(ctx context.Context, n lockid.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errProbeFailed
	}
	return nil
}

func (s *PollWatcherSuite) TestDeathThenRecoveryFireWatchers(c *gocheck.C) {
	tp := &toggleProbe{}
	w := NewPollWatcher([]lockid.NodeID{"N1"}, 5*time.Millisecond, tp.probe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := w.MonitorNodes(ctx)
	c.Assert(err, gocheck.IsNil)

	death := w.WatchServerDeath("N1")
	tp.setFailing(true)
	select {
	case <-death:
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for server death")
	}

	running := w.WatchLocksRunning("N1")
	tp.setFailing(false)
	select {
	case <-running:
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for recovery")
	}
}

func (s *PollWatcherSuite) TestWatchServerDeathFiresImmediatelyWhenAlreadyDown(c *gocheck.C) {
	w := NewPollWatcher([]lockid.NodeID{"N1"}, time.Second, func(ctx context.Context, n lockid.NodeID) error { return nil })
	w.mu.Lock()
	w.up["N1"] = false
	w.mu.Unlock()

	select {
	case <-w.WatchServerDeath("N1"):
	default:
		c.Fatal("expected an already-closed channel")
	}
}
