package knowledge

import (
	"errors"
	"fmt"

	"github.com/iudanet/ctxsync/internal/models"
)

// Knowledge service errors
var (
	// ErrNotFound indicates that the entity does not exist or is deleted
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists indicates that a live entity with the same type and id exists
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidRequest indicates a malformed write request
	ErrInvalidRequest = errors.New("invalid request")

	// ErrConflict indicates that the write lost a conflict or awaits manual resolution
	ErrConflict = errors.New("write conflict")
)

// ConflictError carries the conflict that blocked a write.
// It matches ErrConflict with errors.Is.
type ConflictError struct {
	Conflict *models.ConflictInfo
}

func (e *ConflictError) Error() string {
	if e.Conflict.IsResolved() {
		return fmt.Sprintf("write conflict %s (%s) resolved against the change",
			e.Conflict.ConflictID, e.Conflict.ConflictType)
	}
	return fmt.Sprintf("write conflict %s (%s) awaits manual resolution",
		e.Conflict.ConflictID, e.Conflict.ConflictType)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
