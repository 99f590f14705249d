// Package supererror defines the error kinds shared across the Supervisor's
// subsystems and their propagation policy.
package supererror

import "fmt"

// Kind classifies an error by how the rest of the Supervisor must react to it.
type Kind string

const (
	// Transport errors are retryable at the next gossip round.
	Transport Kind = "transport"
	// Protocol errors mean a malformed frame was received: drop and count, never retry.
	Protocol Kind = "protocol"
	// State errors are invariant violations: fatal, propagate to main and exit.
	State Kind = "state"
	// IO errors are disk errors, retryable per the Gossip File retry policy.
	IO Kind = "io"
	// Crypto errors mean a signature or seal failed to verify: drop and count, never retry.
	Crypto Kind = "crypto"
	// Config errors are fatal and only ever raised at startup.
	Config Kind = "config"
)

// SupError is a typed error carrying the subsystem that raised it and the
// kind that governs how it propagates.
type SupError struct {
	Kind      Kind
	Subsystem string
	Cause     error
}

// New wraps cause with a Kind and the subsystem that observed it.
func New(kind Kind, subsystem string, cause error) *SupError {
	if cause == nil {
		return nil
	}
	return &SupError{Kind: kind, Subsystem: subsystem, Cause: cause}
}

func (e *SupError) Error() string {
	return fmt.Sprintf("%s[%s]: %v", e.Subsystem, e.Kind, e.Cause)
}

func (e *SupError) Unwrap() error {
	return e.Cause
}

// Fatal reports whether the process must perform an ordered shutdown after
// this error: State violations and startup Config errors are the only ones.
func (e *SupError) Fatal() bool {
	return e.Kind == State || e.Kind == Config
}

// Retryable reports whether the error's subsystem should retry the operation
// that produced it (IO, per the Gossip File backoff) as opposed to counting
// and dropping it (Protocol, Crypto) or waiting for the next round (Transport).
func (e *SupError) Retryable() bool {
	return e.Kind == IO
}
