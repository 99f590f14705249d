// Package signals implements the Signal Notifier (spec.md §4.A), grounded on
// components/sup/src/util/signals.rs of the original implementation: a
// process-wide subsystem that traps the handful of signals the Supervisor
// reacts to and publishes them to subscribers at bounded latency.
//
// The original is written against a runtime with no built-in async-signal-
// safe channel, so it stores the caught signal in raw atomics and polls them
// from a regular goroutine. Go's runtime already delivers signals through
// os/signal.Notify on an internal, already async-signal-safe path, so this
// port keeps the polling-task *shape* (bounded latency, collapsing
// semantics, an idempotent start) but lets the Go scheduler do the
// signal-safe part; there is no atomic flag to race on.
package signals

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyStarted is returned by Start if the Notifier has already been
// started once in this process.
var ErrAlreadyStarted = errors.New("signals: notifier already started")

// PollInterval bounds the latency between a trapped signal and the
// published SignalEvent (spec.md §4.A: "≤30 ms").
const PollInterval = 30 * time.Millisecond

// trapped is the set of signals the Supervisor installs handlers for.
// SIGKILL is deliberately absent: it cannot be trapped by any process.
var trapped = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGALRM,
	syscall.SIGTERM,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// SignalEvent is one observed, collapsed signal delivery.
type SignalEvent struct {
	Signal syscall.Signal
}

// Notifier is a process-wide, start-once signal subscription point.
type Notifier struct {
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	ch      chan os.Signal
	events  chan SignalEvent
}

// New constructs a Notifier. Start must be called exactly once.
func New(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Start installs the signal handlers and begins polling. Calling Start twice
// returns ErrAlreadyStarted, matching signals.rs's Once-guarded init.
func (n *Notifier) Start(ctx context.Context) (<-chan SignalEvent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil, ErrAlreadyStarted
	}
	n.started = true

	n.ch = make(chan os.Signal, len(trapped))
	n.events = make(chan SignalEvent, 1)
	signal.Notify(n.ch, trapped...)

	go n.pollLoop(ctx)
	return n.events, nil
}

// pollLoop collapses bursts of the same signal arriving within one poll
// window into a single published SignalEvent, matching the "at most one
// event per kill(), collapsing permitted within one poll window" contract.
func (n *Notifier) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	var pending []syscall.Signal
	for {
		select {
		case <-ctx.Done():
			signal.Stop(n.ch)
			close(n.events)
			return
		case raw := <-n.ch:
			sig, ok := raw.(syscall.Signal)
			if !ok {
				continue
			}
			seen := false
			for _, p := range pending {
				seen = seen || p == sig
			}
			if !seen {
				pending = append(pending, sig)
			}
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			select {
			case n.events <- SignalEvent{Signal: pending[0]}:
				n.logger.Debug("signal caught", zap.String("signal", pending[0].String()))
				pending = pending[1:]
			default:
			}
		}
	}
}

// Stop performs a graceful shutdown: the caller should cancel the context
// passed to Start, which drains the polling loop and closes the event
// channel with a terminal, already-acknowledged state.
func (n *Notifier) Stop() {
	n.logger.Debug("signal notifier stopped")
}
