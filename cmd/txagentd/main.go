// Command txagentd is a minimal process wrapper around internal/agent:
// it parses the §6.5 runtime options from flags, wires a lock server
// client per node, a node-liveness poller, and an in-process peer
// directory, then runs one Agent until it aborts or is asked to stop.
//
// The wire transport to real lock servers and peer agents is out of
// scope (§1): this binary wires the in-memory reference implementations
// from internal/lockserver/fake and internal/peer/fake. A deployment
// against real lock servers replaces those two maps with a networked
// lockserver.Client/peer.Directory; internal/agent does not change.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
	logging "github.com/op/go-logging"

	"github.com/lockmesh/txagent/internal/agent"
	"github.com/lockmesh/txagent/internal/config"
	"github.com/lockmesh/txagent/internal/lockid"
	"github.com/lockmesh/txagent/internal/lockserver"
	lockserverfake "github.com/lockmesh/txagent/internal/lockserver/fake"
	"github.com/lockmesh/txagent/internal/monitor"
	peerfake "github.com/lockmesh/txagent/internal/peer/fake"
	"github.com/lockmesh/txagent/internal/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("main")
}

// nodeList collects repeated -node flags into an ordered []lockid.NodeID.
type nodeList []lockid.NodeID

func (n *nodeList) String() string {
	names := make([]string, len(*n))
	for i, id := range *n {
		names[i] = string(id)
	}
	return strings.Join(names, ",")
}

func (n *nodeList) Set(value string) error {
	if value == "" {
		return fmt.Errorf("empty -node value")
	}
	*n = append(*n, lockid.NodeID(value))
	return nil
}

func main() {
	var nodes nodeList
	flag.Var(&nodes, "node", "a lock server node name; repeat for multiple nodes")
	abortOnDeadlock := flag.Bool("abort-on-deadlock", false,
		"escalate a self-victim deadlock to a fatal error when the contested lock was already claimed")
	awaitNodes := flag.Bool("await-nodes", false,
		"wait out node/server failures instead of aborting with cannot_lock_objects")
	notify := flag.Bool("notify", false,
		"deliver persistent lock-state/have-all events instead of one-shot replies only")
	statsdAddr := flag.String("statsd-addr", "", "statsd server address (host:port); empty disables metrics")
	statsdPrefix := flag.String("statsd-prefix", "txagentd", "statsd stat name prefix")
	pollInterval := flag.Duration("poll-interval", 2*time.Second, "node liveness poll interval")
	logLevel := flag.String("log-level", "INFO", "go-logging level (CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG)")
	flag.Parse()

	if level, err := logging.LogLevel(*logLevel); err == nil {
		for _, mod := range []string{"main", "agent", "client", "monitor"} {
			logging.SetLevel(level, mod)
		}
	} else {
		logger.Warningf("unrecognized -log-level %q, leaving defaults", *logLevel)
	}

	if len(nodes) == 0 {
		logger.Error("at least one -node is required")
		os.Exit(2)
	}

	stats, err := newStatter(*statsdAddr, *statsdPrefix)
	if err != nil {
		logger.Errorf("statsd client: %v", err)
		os.Exit(1)
	}

	servers := make(map[lockid.NodeID]lockserver.Client, len(nodes))
	for _, n := range nodes {
		servers[n] = lockserverfake.New(n)
	}
	peers := peerfake.NewDirectory()

	// A production probe would dial the node's lock server; nothing in
	// this process actually opens a connection, so every node is
	// reported up until the caller's own transport layer says otherwise
	// via a real lockserver.Client/Probe pair.
	probe := func(ctx context.Context, n lockid.NodeID) error { return nil }
	watcher := monitor.NewPollWatcher(nodes, *pollInterval, probe)

	opts := config.Default()
	opts.AbortOnDeadlock = *abortOnDeadlock
	opts.AwaitNodes = *awaitNodes
	opts.Notify = *notify

	self := lockid.NewAgentID()
	ag := agent.New(self, opts, servers, watcher, peers, stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, _ := watcher.MonitorNodes(ctx)
	go func() {
		for ev := range events {
			ag.NotifyNodeEvent(ev)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		ag.Submit(wire.Command{Kind: wire.CmdStop})
	}()

	logger.Infof("agent %s starting with %d node(s)", self, len(nodes))
	if err := ag.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("agent terminated: %v", err)
		os.Exit(1)
	}
}

func newStatter(addr, prefix string) (statsd.Statter, error) {
	if addr == "" {
		return statsd.NewNoopClient()
	}
	return statsd.NewClient(addr, prefix)
}
