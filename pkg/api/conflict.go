package api

import (
	"time"

	"github.com/iudanet/ctxsync/internal/models"
)

// Conflict list states
const (
	ConflictStateActive   = "active"
	ConflictStateResolved = "resolved"
	ConflictStateAudit    = "audit"
)

// ResolveRequest resolves a conflict with an automatic strategy
type ResolveRequest struct {
	Strategy   models.ConflictStrategy `json:"strategy"`
	ResolvedBy string                  `json:"resolved_by,omitempty"`
}

// CleanupRequest drops resolved conflicts resolved at or before OlderThan
type CleanupRequest struct {
	OlderThan time.Time `json:"older_than"`
}

// CleanupResponse reports how many conflicts were dropped
type CleanupResponse struct {
	Removed int `json:"removed"`
}
