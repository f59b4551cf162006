package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
)

// Options configures an Engine.
type Options struct {
	Logger           *slog.Logger
	BufferSize       int
	HistoryEntities  int
	HistoryPerEntity int
}

// Engine composes the change detector, the broadcaster and the change history
// behind one entry point for producers and subscribers.
type Engine struct {
	broadcaster *ChangeBroadcaster
	detector    *ChangeDetector
	history     *ChangeHistory
	logger      *slog.Logger
}

// NewEngine creates a sync engine.
func NewEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	history, err := NewChangeHistory(opts.HistoryEntities, opts.HistoryPerEntity)
	if err != nil {
		return nil, fmt.Errorf("failed to create change history: %w", err)
	}

	broadcaster := NewChangeBroadcaster(opts.BufferSize, logger)

	return &Engine{
		broadcaster: broadcaster,
		detector:    NewChangeDetector(broadcaster, history, logger),
		history:     history,
		logger:      logger,
	}, nil
}

// Subscribe registers a client. The returned subscription delivers matching
// changes until it is closed or ctx is cancelled.
func (e *Engine) Subscribe(ctx context.Context, clientID uuid.UUID, filters []models.SyncFilters) (*Subscription, error) {
	sub, err := e.broadcaster.Subscribe(ctx, clientID, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe client %s: %w", clientID, err)
	}
	return sub, nil
}

// Unsubscribe removes a client and its pending queue.
func (e *Engine) Unsubscribe(clientID uuid.UUID) {
	e.broadcaster.Unsubscribe(clientID)
}

// UpdateSubscription replaces the filters of a subscribed client.
func (e *Engine) UpdateSubscription(clientID uuid.UUID, filters []models.SyncFilters) error {
	return e.broadcaster.UpdateSubscription(clientID, filters)
}

// BroadcastChange publishes an already built change.
func (e *Engine) BroadcastChange(ctx context.Context, change models.ContextChange) error {
	return e.detector.Publish(ctx, change)
}

// ChangeDetector returns the shared detector used by producers.
func (e *Engine) ChangeDetector() *ChangeDetector {
	return e.detector
}

// Broadcaster returns the shared broadcaster.
func (e *Engine) Broadcaster() *ChangeBroadcaster {
	return e.broadcaster
}

// History returns the shared change history.
func (e *Engine) History() *ChangeHistory {
	return e.history
}

// GetSyncStatus reports the delivery state of a project.
func (e *Engine) GetSyncStatus(projectID string) models.SyncStatus {
	stats := e.broadcaster.ProjectStats(projectID)

	return models.SyncStatus{
		ProjectID:        projectID,
		ConnectedClients: stats.ConnectedClients,
		PendingChanges:   stats.PendingChanges,
		LastSync:         stats.LastBroadcast,
		SyncHealth:       models.HealthFor(stats.ConnectedClients, stats.PendingChanges),
	}
}

// AcknowledgeChange removes a delivered change from the client's queue.
func (e *Engine) AcknowledgeChange(clientID, changeID uuid.UUID) error {
	return e.broadcaster.AcknowledgeChange(clientID, changeID)
}

// GetQueuedChanges returns the pending changes of a client, oldest first.
func (e *Engine) GetQueuedChanges(clientID uuid.UUID) []models.ContextChange {
	return e.broadcaster.GetQueuedChanges(clientID)
}

// Metrics returns the broadcaster counters.
func (e *Engine) Metrics() BroadcastMetrics {
	return e.broadcaster.Metrics()
}

// Closed reports whether the engine has been shut down.
func (e *Engine) Closed() bool {
	return e.broadcaster.Closed()
}

// Shutdown closes every subscription.
func (e *Engine) Shutdown() {
	e.broadcaster.Shutdown()
	e.logger.Info("Sync engine stopped")
}
