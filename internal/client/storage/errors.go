package storage

import "errors"

// Common client storage errors
var (
	// ErrSessionNotFound indicates that the client has no saved session
	ErrSessionNotFound = errors.New("session not found")

	// ErrEntityNotFound indicates that the replica holds no such entity
	ErrEntityNotFound = errors.New("replica entity not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
