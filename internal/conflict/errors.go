package conflict

import "errors"

// Conflict engine errors
var (
	// ErrConflictNotFound indicates that no conflict is stored under the given id
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrConflictAlreadyResolved indicates that the conflict was resolved before
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")

	// ErrManualResolutionRequired indicates that manual_resolution was passed to ResolveConflict
	ErrManualResolutionRequired = errors.New("manual resolution requires explicit resolution data")

	// ErrUnknownStrategy indicates an unsupported resolution strategy
	ErrUnknownStrategy = errors.New("unknown resolution strategy")

	// ErrNothingToMerge indicates that no conflicting change carries an entity snapshot
	ErrNothingToMerge = errors.New("no changes to merge")

	// ErrInvalidConfig indicates an invalid engine configuration
	ErrInvalidConfig = errors.New("invalid conflict engine configuration")
)
