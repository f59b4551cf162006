package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
)

const (
	mergeAlgorithm       = "simple_field_merge"
	mergeConfidenceScore = 0.8

	// TimeoutResolver is recorded as resolver of conflicts closed by ResolveExpired
	TimeoutResolver = "system:manual-timeout"
)

// Recorder receives a copy of every detected and resolved conflict.
type Recorder interface {
	RecordConflict(ctx context.Context, info *models.ConflictInfo) error
}

// SemanticChecker validates an incoming change against business rules.
// It returns the offending change, or nil when the change is acceptable.
type SemanticChecker interface {
	CheckSemantic(ctx context.Context, incoming models.ContextChange, existing *models.ContextEntity) (*models.ConflictingChange, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the audit recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithSemanticChecker sets the semantic validation hook.
func WithSemanticChecker(c SemanticChecker) Option {
	return func(e *Engine) {
		e.semantic = c
	}
}

type record struct {
	info *models.ConflictInfo
	mu   sync.Mutex
}

// Engine detects conflicts between competing changes to one entity and
// resolves them with a resolution strategy.
//
// The map lock only guards membership; each record carries its own mutex so
// resolutions of one conflict are mutually exclusive while other conflicts
// proceed independently. Lock order is always map then record.
type Engine struct {
	recorder  Recorder
	semantic  SemanticChecker
	conflicts map[string]*record
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
	mu        sync.RWMutex
}

// NewEngine creates a conflict engine with the given configuration.
func NewEngine(cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		conflicts: make(map[string]*record),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// DetectConflict checks incoming against the stored entity and recent changes
// of the same entity. It returns the stored conflict, or nil when none was found.
//
// Checks run in order: version, content (only if no version conflict), then
// the semantic hook. Internal failures never block the write path and are
// treated as no conflict.
func (e *Engine) DetectConflict(ctx context.Context, incoming models.ContextChange, existing *models.ContextEntity, recent []models.ContextChange) *models.ConflictInfo {
	var (
		conflicting  []models.ConflictingChange
		conflictType models.ConflictType
	)

	if e.cfg.AutoDetectVersionConflicts && existing != nil && incoming.Metadata.Version < existing.Version {
		e.logger.Debug("Version conflict detected",
			"entity", incoming.EntityKey(),
			"incoming_version", incoming.Metadata.Version,
			"current_version", existing.Version)

		conflicting = append(conflicting, models.NewConflictingChange(incoming))
		conflictType = models.ConflictTypeVersion
	}

	if len(conflicting) == 0 && e.cfg.AutoDetectContentConflicts {
		if concurrent, ok := e.findConcurrent(incoming, recent); ok {
			e.logger.Debug("Content conflict detected",
				"entity", incoming.EntityKey(),
				"incoming_change", incoming.ChangeID,
				"concurrent_change", concurrent.ChangeID)

			conflicting = append(conflicting,
				models.NewConflictingChange(concurrent),
				models.NewConflictingChange(incoming))
			conflictType = models.ConflictTypeContent
		}
	}

	if e.semantic != nil {
		violation, err := e.semantic.CheckSemantic(ctx, incoming, existing)
		switch {
		case err != nil:
			e.logger.Warn("Semantic check failed, ignoring",
				"entity", incoming.EntityKey(),
				"error", err)
		case violation != nil:
			conflicting = append(conflicting, violation.Clone())
			conflictType = models.ConflictTypeSemantic
		}
	}

	if len(conflicting) == 0 {
		return nil
	}

	info := &models.ConflictInfo{
		ConflictID:         uuid.NewString(),
		EntityType:         incoming.EntityType,
		EntityID:           incoming.EntityID,
		ProjectID:          incoming.ProjectID,
		ConflictingChanges: conflicting,
		ConflictType:       conflictType,
		DetectedAt:         e.now(),
	}

	e.mu.Lock()
	e.conflicts[info.ConflictID] = &record{info: info}
	e.mu.Unlock()

	e.logger.Info("Conflict detected",
		"conflict_id", info.ConflictID,
		"conflict_type", info.ConflictType,
		"entity", incoming.EntityKey(),
		"project_id", info.ProjectID)

	snapshot := info.Clone()
	e.record(ctx, snapshot)

	return snapshot
}

// findConcurrent returns the first recent change to the same entity whose
// timestamp lies strictly within the concurrency threshold of incoming.
// Changes without a timestamp are skipped.
func (e *Engine) findConcurrent(incoming models.ContextChange, recent []models.ContextChange) (models.ContextChange, bool) {
	if incoming.Metadata.Timestamp.IsZero() {
		return models.ContextChange{}, false
	}

	for _, rc := range recent {
		if rc.EntityID != incoming.EntityID || rc.ChangeID == incoming.ChangeID {
			continue
		}
		if rc.Metadata.Timestamp.IsZero() {
			continue
		}

		diff := incoming.Metadata.Timestamp.Sub(rc.Metadata.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff < e.cfg.ConcurrentChangeThreshold {
			return rc, true
		}
	}

	return models.ContextChange{}, false
}

// ResolveConflict resolves a stored conflict with strategy. ManualResolution
// is refused with ErrManualResolutionRequired; use ResolveConflictManually.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy models.ConflictStrategy, resolver string) (*models.ConflictResolutionResult, error) {
	if strategy == models.StrategyManualResolution {
		return nil, ErrManualResolutionRequired
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	return e.resolve(ctx, conflictID, resolver, func(info *models.ConflictInfo) (*models.ConflictResolutionResult, error) {
		switch strategy {
		case models.StrategyLastWriterWins:
			return resolveLastWriterWins(info), nil
		case models.StrategyAutoMerge:
			return resolveAutoMerge(info)
		default:
			return resolveReject(info), nil
		}
	}, strategy)
}

// ResolveConflictManually resolves a stored conflict with caller supplied data.
// Every conflicting change is reported as discarded.
func (e *Engine) ResolveConflictManually(ctx context.Context, req models.ManualResolutionRequest) (*models.ConflictResolutionResult, error) {
	if !req.ResolutionStrategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.ResolutionStrategy)
	}

	return e.resolve(ctx, req.ConflictID, req.ResolvedBy, func(info *models.ConflictInfo) (*models.ConflictResolutionResult, error) {
		result := &models.ConflictResolutionResult{
			StrategyUsed:     req.ResolutionStrategy,
			ResolvedEntity:   append([]byte(nil), req.ResolvedEntity...),
			DiscardedChanges: info.ChangeIDs(),
		}
		if req.ResolutionNotes != nil {
			notes := *req.ResolutionNotes
			result.ResolutionNotes = &notes
		}
		return result, nil
	}, req.ResolutionStrategy)
}

func (e *Engine) resolve(
	ctx context.Context,
	conflictID string,
	resolver string,
	build func(*models.ConflictInfo) (*models.ConflictResolutionResult, error),
	strategy models.ConflictStrategy,
) (*models.ConflictResolutionResult, error) {
	e.mu.RLock()
	rec, ok := e.conflicts[conflictID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}

	rec.mu.Lock()
	if rec.info.IsResolved() {
		rec.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConflictAlreadyResolved, conflictID)
	}

	result, err := build(rec.info)
	if err != nil {
		rec.mu.Unlock()
		return nil, fmt.Errorf("failed to resolve conflict %s: %w", conflictID, err)
	}

	resolvedAt := e.now()
	rec.info.ResolutionStrategy = &strategy
	rec.info.ResolvedAt = &resolvedAt
	rec.info.ResolvedBy = models.StringPtr(resolver)
	rec.info.ResolutionResult = result
	snapshot := rec.info.Clone()
	rec.mu.Unlock()

	e.logger.Info("Conflict resolved",
		"conflict_id", conflictID,
		"strategy", strategy,
		"resolved_by", resolver,
		"discarded", len(result.DiscardedChanges))

	e.record(ctx, snapshot)

	return result.Clone(), nil
}

func resolveLastWriterWins(info *models.ConflictInfo) *models.ConflictResolutionResult {
	latest := info.ConflictingChanges[0]
	for _, cc := range info.ConflictingChanges[1:] {
		if cc.Change.Metadata.Timestamp.After(latest.Change.Metadata.Timestamp) {
			latest = cc
		}
	}

	discarded := make([]uuid.UUID, 0, len(info.ConflictingChanges)-1)
	for _, cc := range info.ConflictingChanges {
		if cc.ChangeID != latest.ChangeID {
			discarded = append(discarded, cc.ChangeID)
		}
	}

	return &models.ConflictResolutionResult{
		StrategyUsed:     models.StrategyLastWriterWins,
		ResolvedEntity:   append([]byte(nil), latest.Change.FullEntity...),
		DiscardedChanges: discarded,
		ResolutionNotes:  models.StringPtr("Resolved using last-writer-wins strategy"),
	}
}

func resolveAutoMerge(info *models.ConflictInfo) (*models.ConflictResolutionResult, error) {
	ordered := slices.Clone(info.ConflictingChanges)
	slices.SortStableFunc(ordered, func(a, b models.ConflictingChange) int {
		return a.Change.Metadata.Timestamp.Compare(b.Change.Metadata.Timestamp)
	})

	var merged []byte
	for _, cc := range ordered {
		if len(cc.Change.FullEntity) == 0 {
			continue
		}
		if merged == nil {
			merged = append([]byte(nil), cc.Change.FullEntity...)
			continue
		}

		next, err := MergeJSON(merged, cc.Change.FullEntity)
		if err != nil {
			return nil, fmt.Errorf("failed to merge change %s: %w", cc.ChangeID, err)
		}
		merged = next
	}
	if merged == nil {
		return nil, ErrNothingToMerge
	}

	return &models.ConflictResolutionResult{
		StrategyUsed:     models.StrategyAutoMerge,
		ResolvedEntity:   merged,
		DiscardedChanges: []uuid.UUID{},
		MergeDetails: &models.MergeDetails{
			MergeAlgorithm:      mergeAlgorithm,
			ConflictsResolved:   len(info.ConflictingChanges),
			ManualInterventions: 0,
			ConfidenceScore:     mergeConfidenceScore,
		},
		ResolutionNotes: models.StringPtr("Resolved using automatic merge strategy"),
	}, nil
}

func resolveReject(info *models.ConflictInfo) *models.ConflictResolutionResult {
	return &models.ConflictResolutionResult{
		StrategyUsed:     models.StrategyReject,
		DiscardedChanges: info.ChangeIDs(),
		ResolutionNotes:  models.StringPtr("All conflicting changes rejected"),
	}
}

// GetConflict returns a copy of the stored conflict.
func (e *Engine) GetConflict(conflictID string) (*models.ConflictInfo, error) {
	e.mu.RLock()
	rec, ok := e.conflicts[conflictID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.info.Clone(), nil
}

// GetActiveConflicts returns the unresolved conflicts of a project, oldest first.
// An empty projectID selects every project.
func (e *Engine) GetActiveConflicts(projectID string) []*models.ConflictInfo {
	return e.filter(func(info *models.ConflictInfo) bool {
		return (projectID == "" || info.ProjectID == projectID) && !info.IsResolved()
	})
}

// GetResolvedConflicts returns the resolved conflicts of a project, oldest first.
// An empty projectID selects every project.
func (e *Engine) GetResolvedConflicts(projectID string) []*models.ConflictInfo {
	return e.filter(func(info *models.ConflictInfo) bool {
		return (projectID == "" || info.ProjectID == projectID) && info.IsResolved()
	})
}

// ExpiredManualConflicts returns the unresolved conflicts detected longer than
// the manual resolution timeout before now.
func (e *Engine) ExpiredManualConflicts(now time.Time) []*models.ConflictInfo {
	deadline := now.Add(-e.cfg.ManualResolutionTimeout)
	return e.filter(func(info *models.ConflictInfo) bool {
		return !info.IsResolved() && info.DetectedAt.Before(deadline)
	})
}

// ResolveExpired closes the conflicts returned by ExpiredManualConflicts with
// the default strategy, or with reject when the default is manual resolution.
// It returns the number of conflicts resolved.
func (e *Engine) ResolveExpired(ctx context.Context, now time.Time) int {
	strategy := e.cfg.DefaultStrategy
	if strategy == models.StrategyManualResolution {
		strategy = models.StrategyReject
	}

	resolved := 0
	for _, info := range e.ExpiredManualConflicts(now) {
		if _, err := e.ResolveConflict(ctx, info.ConflictID, strategy, TimeoutResolver); err != nil {
			e.logger.Warn("Failed to resolve expired conflict",
				"conflict_id", info.ConflictID,
				"strategy", strategy,
				"error", err)
			continue
		}
		resolved++
	}

	return resolved
}

// CleanupResolvedConflicts drops resolved conflicts whose resolution time is
// not after olderThan. Unresolved conflicts are always kept.
// It returns the number of conflicts removed.
func (e *Engine) CleanupResolvedConflicts(olderThan time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, rec := range e.conflicts {
		rec.mu.Lock()
		drop := rec.info.ResolvedAt != nil && !rec.info.ResolvedAt.After(olderThan)
		rec.mu.Unlock()

		if drop {
			delete(e.conflicts, id)
			removed++
		}
	}

	if removed > 0 {
		e.logger.Info("Resolved conflicts cleaned up", "removed", removed, "older_than", olderThan)
	}

	return removed
}

// Stats counts stored conflicts.
type Stats struct {
	ByType   map[models.ConflictType]int `json:"by_type"`
	Active   int                         `json:"active"`
	Resolved int                         `json:"resolved"`
}

// Stats returns counters over every stored conflict.
func (e *Engine) Stats() Stats {
	stats := Stats{ByType: make(map[models.ConflictType]int)}
	for _, info := range e.filter(func(*models.ConflictInfo) bool { return true }) {
		stats.ByType[info.ConflictType]++
		if info.IsResolved() {
			stats.Resolved++
		} else {
			stats.Active++
		}
	}
	return stats
}

func (e *Engine) filter(keep func(*models.ConflictInfo) bool) []*models.ConflictInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*models.ConflictInfo, 0)
	for _, rec := range e.conflicts {
		rec.mu.Lock()
		if keep(rec.info) {
			out = append(out, rec.info.Clone())
		}
		rec.mu.Unlock()
	}

	slices.SortFunc(out, func(a, b *models.ConflictInfo) int {
		if c := a.DetectedAt.Compare(b.DetectedAt); c != 0 {
			return c
		}
		if a.ConflictID < b.ConflictID {
			return -1
		}
		if a.ConflictID > b.ConflictID {
			return 1
		}
		return 0
	})

	return out
}

func (e *Engine) record(ctx context.Context, info *models.ConflictInfo) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordConflict(ctx, info); err != nil {
		e.logger.Error("Failed to record conflict",
			"conflict_id", info.ConflictID,
			"error", err)
	}
}
