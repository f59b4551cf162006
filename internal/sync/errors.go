package sync

import "errors"

// Sync pipeline errors
var (
	// ErrSubscriptionNotFound indicates that no subscription is registered for the client
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrBroadcasterClosed indicates that the broadcaster was shut down
	ErrBroadcasterClosed = errors.New("broadcaster closed")

	// ErrInvalidChange indicates that a change is missing required identity fields
	ErrInvalidChange = errors.New("invalid change")

	// ErrSerialization indicates that an entity payload is not valid JSON.
	// It never aborts the pipeline: the raw payload is kept and a warning is logged.
	ErrSerialization = errors.New("malformed entity json")
)
