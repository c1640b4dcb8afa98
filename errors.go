package tapstreams

import "errors"

// Composition and protocol errors. Composition errors are reported
// synchronously at construction or materialization time; the rest are
// delivered as terminal signals.
var (
	// ErrAlreadySubscribed is returned when a second subscriber
	// attaches to a single-subscriber publisher.
	ErrAlreadySubscribed = errors.New("tapstreams: publisher already has a subscriber")

	// ErrNonPositiveDemand terminates a subscription whose subscriber
	// requested zero or negative demand.
	ErrNonPositiveDemand = errors.New("tapstreams: requested demand must be positive")

	// ErrSubscriberTooSlow is delivered to a fan-out subscriber that
	// was dropped for falling behind the maximum buffer size.
	ErrSubscriberTooSlow = errors.New("tapstreams: subscriber dropped: fan-out buffer limit exceeded")

	// ErrInvalidBufferBounds is returned by ToFanoutPublisher for
	// non-positive or inverted buffer bounds.
	ErrInvalidBufferBounds = errors.New("tapstreams: fan-out buffer bounds must satisfy 0 < initial <= maximum")

	// ErrRunCancelled is the terminal reason observed when a run is
	// cancelled through its RunHandle.
	ErrRunCancelled = errors.New("tapstreams: run cancelled")
)

// errDownstreamCancelled aborts element processing when the downstream
// edge is gone. It never escapes to callers.
var errDownstreamCancelled = errors.New("tapstreams: downstream cancelled")
