package storage

import "errors"

// Common storage errors
var (
	// ErrEntityNotFound indicates that entity was not found or is deleted
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEntityAlreadyExists indicates that a live entity with this type and id already exists
	ErrEntityAlreadyExists = errors.New("entity already exists")

	// ErrVersionMismatch indicates that the stored version differs from the expected one
	ErrVersionMismatch = errors.New("entity version mismatch")

	// ErrConflictNotFound indicates that conflict was not found in the audit log
	ErrConflictNotFound = errors.New("conflict not found")
)
