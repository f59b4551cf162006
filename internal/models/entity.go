package models

import (
	"encoding/json"
	"time"
)

// Known entity types of the project knowledge base.
const (
	EntityTypeBusinessRule          = "business_rule"
	EntityTypeArchitecturalDecision = "architectural_decision"
	EntityTypeRequirement           = "requirement"
	EntityTypeTask                  = "task"
	EntityTypeConvention            = "project_convention"
	EntityTypeSecurityPolicy        = "security_policy"
	EntityTypePerformanceRequire    = "performance_requirement"
	EntityTypeFeatureContext        = "feature_context"
)

// ContextEntity is the stored state of one tracked knowledge entity.
// Version grows by one on every accepted write.
type ContextEntity struct {
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ID          string          `json:"id"`
	EntityType  string          `json:"entity_type"`
	ProjectID   string          `json:"project_id"`
	FeatureArea string          `json:"feature_area,omitempty"`
	ContentHash string          `json:"content_hash"`
	Data        json.RawMessage `json:"data"`
	Version     uint32          `json:"version"`
	Deleted     bool            `json:"deleted"`
}

// Key returns the "type:id" key of the entity.
func (e *ContextEntity) Key() string {
	return EntityKey(e.EntityType, e.ID)
}

// Clone returns a deep copy of the entity.
func (e *ContextEntity) Clone() *ContextEntity {
	out := *e
	out.Data = cloneRaw(e.Data)
	return &out
}
