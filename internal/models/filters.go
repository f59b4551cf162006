package models

import (
	"slices"
	"time"
)

// SyncFilters selects the changes a subscriber is interested in.
// A nil field is a wildcard; a non-nil field lists the allowed values, so an
// empty non-nil field matches nothing. On the wire a wildcard is null or an
// absent key and an empty set is [].
type SyncFilters struct {
	ProjectIDs   []string     `json:"project_ids"`
	EntityTypes  []string     `json:"entity_types"`
	FeatureAreas []string     `json:"feature_areas"`
	ChangeTypes  []ChangeType `json:"change_types"`
}

// Matches reports whether change satisfies every populated field of f.
// A populated FeatureAreas never matches a change without a feature area.
func (f SyncFilters) Matches(change ContextChange) bool {
	if f.ProjectIDs != nil && !slices.Contains(f.ProjectIDs, change.ProjectID) {
		return false
	}

	if f.EntityTypes != nil && !slices.Contains(f.EntityTypes, change.EntityType) {
		return false
	}

	if f.FeatureAreas != nil {
		if change.FeatureArea == nil || !slices.Contains(f.FeatureAreas, *change.FeatureArea) {
			return false
		}
	}

	if f.ChangeTypes != nil && !slices.Contains(f.ChangeTypes, change.ChangeType) {
		return false
	}

	return true
}

// CoversProject reports whether f can match changes of the given project.
func (f SyncFilters) CoversProject(projectID string) bool {
	return f.ProjectIDs == nil || slices.Contains(f.ProjectIDs, projectID)
}

// Clone returns a deep copy of f.
func (f SyncFilters) Clone() SyncFilters {
	return SyncFilters{
		ProjectIDs:   slices.Clone(f.ProjectIDs),
		EntityTypes:  slices.Clone(f.EntityTypes),
		FeatureAreas: slices.Clone(f.FeatureAreas),
		ChangeTypes:  slices.Clone(f.ChangeTypes),
	}
}

// MatchesAny reports whether any filter in the list matches change.
// An empty list matches everything.
func MatchesAny(filters []SyncFilters, change ContextChange) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(change) {
			return true
		}
	}
	return false
}

// CoversProjectAny reports whether a filter list can match changes of projectID.
func CoversProjectAny(filters []SyncFilters, projectID string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.CoversProject(projectID) {
			return true
		}
	}
	return false
}

// CloneFilters deep-copies a filter list.
func CloneFilters(filters []SyncFilters) []SyncFilters {
	if filters == nil {
		return nil
	}
	out := make([]SyncFilters, len(filters))
	for i, f := range filters {
		out[i] = f.Clone()
	}
	return out
}

// SyncHealth summarizes the delivery state of a project.
type SyncHealth string

const (
	SyncHealthHealthy   SyncHealth = "healthy"
	SyncHealthDegraded  SyncHealth = "degraded"
	SyncHealthUnhealthy SyncHealth = "unhealthy"
)

// SyncStatus is the per-project synchronization report.
type SyncStatus struct {
	LastSync         *time.Time `json:"last_sync,omitempty"`
	ProjectID        string     `json:"project_id"`
	SyncHealth       SyncHealth `json:"sync_health"`
	ConnectedClients int        `json:"connected_clients"`
	PendingChanges   int        `json:"pending_changes"`
}

// HealthFor derives the health of a project from its client and queue counts.
func HealthFor(connectedClients, pendingChanges int) SyncHealth {
	switch {
	case connectedClients == 0:
		return SyncHealthUnhealthy
	case pendingChanges == 0:
		return SyncHealthHealthy
	default:
		return SyncHealthDegraded
	}
}
