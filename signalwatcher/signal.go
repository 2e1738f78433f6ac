// Package signalwatcher translates OS signals into the agent's two-tier
// shutdown contract: the first signal requests a graceful stop (finish the
// active job, then exit), a second escalates to an immediate one.
package signalwatcher

import "sync/atomic"

type Signal string

func (s Signal) String() string {
	return string(s)
}

const (
	HUP  = Signal("HUP")
	QUIT = Signal("QUIT")
	TERM = Signal("TERM")
	INT  = Signal("INT")
)

// WatchShutdown wraps Watch with the agent's shutdown escalation policy:
// onGraceful runs for the first signal received, onImmediate for every
// signal after that. Centralizing the escalation flag here means the
// Agent Loop doesn't need its own atomic.Bool to track it.
func WatchShutdown(onGraceful, onImmediate func(Signal)) {
	var escalated atomic.Bool
	Watch(func(sig Signal) {
		if !escalated.Swap(true) {
			onGraceful(sig)
			return
		}
		onImmediate(sig)
	})
}
