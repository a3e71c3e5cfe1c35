// Package config holds the §6.5 runtime options for one agent.
package config

import "os"

// Options are the fields enumerated in §6.5. Client and Link describe
// the owning client process; the three booleans are mutable at runtime
// via the change_flag command (§4.G) and default to false.
type Options struct {
	// Client is the owning client process id.
	Client int

	// Link records whether the agent's lifetime is tied to the owning
	// client. The agent does not read it: it terminates on a client-death
	// signal (§4.F "client death") whatever Link is set to.
	Link bool

	// AbortOnDeadlock escalates a self-victim deadlock resolution to a
	// fatal Deadlock error when the contested lock had already been
	// promised to the client (§4.E step 5, §7).
	AbortOnDeadlock bool

	// AwaitNodes makes node/server failures recover silently instead of
	// aborting with CannotLockObjects when quorum briefly becomes
	// unreachable (§4.D, §4.F, §7).
	AwaitNodes bool

	// Notify registers the client for persistent event notifications
	// instead of one-shot replies only (§4.G, §6.1).
	Notify bool
}

// Default returns the zero-value Options with Client set to the current
// process id, matching the common case of an agent spawned by its own
// client.
func Default() Options {
	return Options{Client: os.Getpid()}
}
