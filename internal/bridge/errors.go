package bridge

import "errors"

// Domain-specific errors for bridge lifecycle operations.
var (
	// ErrShutdownTimeout is returned when a loop fails to stop within the
	// cancellation grace period. This is the one fatal fault in the bridge.
	ErrShutdownTimeout = errors.New("bridge: loops did not stop within shutdown timeout")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("bridge: not started")
)
