package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies how a conflict was detected.
type ConflictType string

const (
	// ConflictTypeVersion incoming change is based on an outdated entity version
	ConflictTypeVersion ConflictType = "version_conflict"
	// ConflictTypeContent concurrent changes to the same entity
	ConflictTypeContent ConflictType = "content_conflict"
	// ConflictTypeSemantic business rule violation reported by a semantic checker
	ConflictTypeSemantic ConflictType = "semantic_conflict"
	// ConflictTypeDependency relationship violation
	ConflictTypeDependency ConflictType = "dependency_conflict"
)

// ConflictStrategy is the policy used to collapse a conflict into one outcome.
type ConflictStrategy string

const (
	StrategyLastWriterWins   ConflictStrategy = "last_writer_wins"
	StrategyManualResolution ConflictStrategy = "manual_resolution"
	StrategyAutoMerge        ConflictStrategy = "auto_merge"
	StrategyReject           ConflictStrategy = "reject"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyLastWriterWins, StrategyManualResolution, StrategyAutoMerge, StrategyReject:
		return true
	}
	return false
}

// ConflictInfo is a detected collision between changes to one entity.
// The resolution fields are empty while the conflict is active and are set
// exactly once when it is resolved.
type ConflictInfo struct {
	DetectedAt         time.Time                 `json:"detected_at"`
	ResolvedAt         *time.Time                `json:"resolved_at,omitempty"`
	ResolutionStrategy *ConflictStrategy         `json:"resolution_strategy,omitempty"`
	ResolvedBy         *string                   `json:"resolved_by,omitempty"`
	ResolutionResult   *ConflictResolutionResult `json:"resolution_result,omitempty"`
	ConflictID         string                    `json:"conflict_id"`
	EntityType         string                    `json:"entity_type"`
	EntityID           string                    `json:"entity_id"`
	ProjectID          string                    `json:"project_id"`
	ConflictType       ConflictType              `json:"conflict_type"`
	ConflictingChanges []ConflictingChange       `json:"conflicting_changes"`
}

// IsResolved reports whether the conflict has been resolved.
func (c *ConflictInfo) IsResolved() bool {
	return c.ResolvedAt != nil
}

// ChangeIDs returns the ids of all conflicting changes in order.
func (c *ConflictInfo) ChangeIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.ConflictingChanges))
	for _, cc := range c.ConflictingChanges {
		ids = append(ids, cc.ChangeID)
	}
	return ids
}

// Clone returns a deep copy of the conflict.
func (c *ConflictInfo) Clone() *ConflictInfo {
	out := *c

	out.ConflictingChanges = make([]ConflictingChange, len(c.ConflictingChanges))
	for i, cc := range c.ConflictingChanges {
		out.ConflictingChanges[i] = cc.Clone()
	}

	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	if c.ResolutionStrategy != nil {
		s := *c.ResolutionStrategy
		out.ResolutionStrategy = &s
	}
	if c.ResolvedBy != nil {
		r := *c.ResolvedBy
		out.ResolvedBy = &r
	}
	if c.ResolutionResult != nil {
		out.ResolutionResult = c.ResolutionResult.Clone()
	}

	return &out
}

// ConflictingChange is one of the colliding changes of a conflict.
type ConflictingChange struct {
	ClientInfo  ClientInfo    `json:"client_info"`
	Change      ContextChange `json:"change"`
	ChangeID    uuid.UUID     `json:"change_id"`
	BaseVersion uint32        `json:"base_version"`
}

// Clone returns a deep copy of the conflicting change.
func (c ConflictingChange) Clone() ConflictingChange {
	out := c
	out.Change = c.Change.Clone()
	if c.ClientInfo.UserID != nil {
		u := *c.ClientInfo.UserID
		out.ClientInfo.UserID = &u
	}
	return out
}

// NewConflictingChange wraps change with the client information taken from its metadata.
func NewConflictingChange(change ContextChange) ConflictingChange {
	c := change.Clone()
	return ConflictingChange{
		ChangeID:    c.ChangeID,
		Change:      c,
		BaseVersion: c.Metadata.Version,
		ClientInfo: ClientInfo{
			ClientID:   c.Metadata.ClientID,
			UserID:     c.Metadata.UserID,
			ClientType: "unknown",
			Timestamp:  c.Metadata.Timestamp,
		},
	}
}

// ClientInfo describes the client that produced a conflicting change.
type ClientInfo struct {
	Timestamp  time.Time `json:"timestamp"`
	UserID     *string   `json:"user_id,omitempty"`
	ClientType string    `json:"client_type"`
	ClientID   uuid.UUID `json:"client_id"`
}

// ConflictResolutionResult is the outcome of resolving a conflict.
type ConflictResolutionResult struct {
	ResolvedEntity   json.RawMessage  `json:"resolved_entity"`
	MergeDetails     *MergeDetails    `json:"merge_details,omitempty"`
	ResolutionNotes  *string          `json:"resolution_notes,omitempty"`
	StrategyUsed     ConflictStrategy `json:"strategy_used"`
	DiscardedChanges []uuid.UUID      `json:"discarded_changes"`
}

// Clone returns a deep copy of the result.
func (r *ConflictResolutionResult) Clone() *ConflictResolutionResult {
	out := *r
	out.ResolvedEntity = cloneRaw(r.ResolvedEntity)
	out.DiscardedChanges = append([]uuid.UUID{}, r.DiscardedChanges...)
	if r.MergeDetails != nil {
		md := *r.MergeDetails
		out.MergeDetails = &md
	}
	if r.ResolutionNotes != nil {
		n := *r.ResolutionNotes
		out.ResolutionNotes = &n
	}
	return &out
}

// MergeDetails describes an automatic merge.
type MergeDetails struct {
	MergeAlgorithm      string  `json:"merge_algorithm"`
	ConflictsResolved   int     `json:"conflicts_resolved"`
	ManualInterventions int     `json:"manual_interventions"`
	ConfidenceScore     float64 `json:"confidence_score"`
}

// ManualResolutionRequest carries caller supplied resolution data.
type ManualResolutionRequest struct {
	ResolvedEntity     json.RawMessage  `json:"resolved_entity,omitempty"`
	ResolutionNotes    *string          `json:"resolution_notes,omitempty"`
	ConflictID         string           `json:"conflict_id"`
	ResolutionStrategy ConflictStrategy `json:"resolution_strategy"`
	ResolvedBy         string           `json:"resolved_by"`
}
