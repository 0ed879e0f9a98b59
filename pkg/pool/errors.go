package pool

import "errors"

var (
	// ErrAcquireTimeout is returned when an acquire waits past its deadline
	// without a connection becoming available. Retryable by the caller.
	ErrAcquireTimeout = errors.New("pool: acquire timed out waiting for connection")

	// ErrPoolClosed is returned for acquires after shutdown has begun.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrUnknownPool is returned when a named pool does not exist.
	ErrUnknownPool = errors.New("pool: unknown pool")

	// ErrSubscriptionLimit is returned when the stream subscription cap is
	// reached. Retryable after existing subscriptions are released.
	ErrSubscriptionLimit = errors.New("pool: stream subscription limit reached")
)
