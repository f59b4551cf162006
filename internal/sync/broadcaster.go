package sync

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
)

// DefaultSubscriberBuffer is the delivery channel capacity of a subscription.
// Changes that do not fit are moved to the client's pending queue.
const DefaultSubscriberBuffer = 256

type queuedChange struct {
	queuedAt time.Time
	change   models.ContextChange
}

type clientState struct {
	subscribedAt time.Time
	ch           chan models.ContextChange
	done         chan struct{}
	filters      []models.SyncFilters
	queue        []queuedChange
}

// BroadcastMetrics is a snapshot of the broadcaster counters.
type BroadcastMetrics struct {
	ChangesByType         map[models.ChangeType]uint64 `json:"changes_by_type"`
	TotalChangesBroadcast uint64                       `json:"total_changes_broadcast"`
	TotalClientsNotified  uint64                       `json:"total_clients_notified"`
	DirectDeliveries      uint64                       `json:"direct_deliveries"`
	QueuedDeliveries      uint64                       `json:"queued_deliveries"`
	FailedDeliveries      uint64                       `json:"failed_deliveries"`
	QueueSize             int                          `json:"queue_size"`
	ActiveSubscriptions   int                          `json:"active_subscriptions"`
}

// ProjectStats summarizes the delivery state of one project.
type ProjectStats struct {
	LastBroadcast    *time.Time
	OldestPending    *time.Time
	ConnectedClients int
	PendingChanges   int
}

// ChangeBroadcaster is the registry of live subscriptions. It fans changes out
// to matching subscribers and keeps a pending queue per client for changes
// that could not be delivered immediately.
//
// One mutex guards the registry, the queues and the counters. Broadcast holds
// it for the whole evaluation, so a subscriber cannot be added or removed
// halfway through a broadcast and per-client order equals broadcast order.
type ChangeBroadcaster struct {
	clients       map[uuid.UUID]*clientState
	lastBroadcast map[string]time.Time
	byType        map[models.ChangeType]uint64
	logger        *slog.Logger
	now           func() time.Time

	bufferSize int

	totalBroadcast uint64
	notified       uint64
	direct         uint64
	queued         uint64
	failed         uint64

	mu     sync.Mutex
	closed bool
}

// NewChangeBroadcaster creates a broadcaster. A non-positive bufferSize uses
// DefaultSubscriberBuffer.
func NewChangeBroadcaster(bufferSize int, logger *slog.Logger) *ChangeBroadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}

	return &ChangeBroadcaster{
		clients:       make(map[uuid.UUID]*clientState),
		lastBroadcast: make(map[string]time.Time),
		byType:        make(map[models.ChangeType]uint64),
		logger:        logger,
		now:           time.Now,
		bufferSize:    bufferSize,
	}
}

// Subscription is a live registration of one client.
type Subscription struct {
	b        *ChangeBroadcaster
	ch       chan models.ContextChange
	done     chan struct{}
	clientID uuid.UUID
	once     sync.Once
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan models.ContextChange {
	return s.ch
}

// ClientID returns the subscribed client id.
func (s *Subscription) ClientID() uuid.UUID {
	return s.clientID
}

// Done is closed when the subscription ends, including replacement by a newer
// subscription of the same client.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unregisters the client and discards its pending queue.
// Closing a subscription that was replaced by a newer one has no effect on the newer one.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s.clientID, s.ch)
	})
}

// Subscribe registers clientID with the given filters. An empty filter list
// matches every change. Subscribing a client that is already registered
// replaces its filters and channel and keeps its pending queue.
// Cancelling ctx closes the subscription.
func (b *ChangeBroadcaster) Subscribe(ctx context.Context, clientID uuid.UUID, filters []models.SyncFilters) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcasterClosed
	}

	st := &clientState{
		subscribedAt: b.now(),
		ch:           make(chan models.ContextChange, b.bufferSize),
		done:         make(chan struct{}),
		filters:      models.CloneFilters(filters),
	}

	if prev, ok := b.clients[clientID]; ok {
		st.queue = prev.queue
		close(prev.ch)
		close(prev.done)
		b.logger.Debug("Client resubscribed", "client_id", clientID, "pending", len(st.queue))
	} else {
		b.logger.Debug("Client subscribed", "client_id", clientID, "filters", len(filters))
	}
	b.clients[clientID] = st

	sub := &Subscription{
		b:        b,
		ch:       st.ch,
		done:     st.done,
		clientID: clientID,
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-st.done:
		}
	}()

	return sub, nil
}

// Unsubscribe removes clientID and discards its pending queue.
// Unknown clients are ignored.
func (b *ChangeBroadcaster) Unsubscribe(clientID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(clientID)
}

func (b *ChangeBroadcaster) remove(clientID uuid.UUID, ch chan models.ContextChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.clients[clientID]
	if !ok || st.ch != ch {
		return
	}
	b.removeLocked(clientID)
}

func (b *ChangeBroadcaster) removeLocked(clientID uuid.UUID) {
	st, ok := b.clients[clientID]
	if !ok {
		return
	}

	delete(b.clients, clientID)
	close(st.ch)
	close(st.done)

	b.logger.Debug("Client unsubscribed", "client_id", clientID, "discarded", len(st.queue))
}

// UpdateSubscription replaces the filters of a registered client.
func (b *ChangeBroadcaster) UpdateSubscription(clientID uuid.UUID, filters []models.SyncFilters) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.clients[clientID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	st.filters = models.CloneFilters(filters)

	return nil
}

// Broadcast delivers change to every subscriber whose filters match it.
// Delivery never blocks: a subscriber with a non-empty pending queue or a full
// channel gets the change appended to its queue instead.
func (b *ChangeBroadcaster) Broadcast(ctx context.Context, change models.ContextChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBroadcasterClosed
	}

	now := b.now()
	b.totalBroadcast++
	b.byType[change.ChangeType]++
	b.lastBroadcast[change.ProjectID] = now

	var delivered, queued int
	for clientID, st := range b.clients {
		if !models.MatchesAny(st.filters, change) {
			continue
		}
		b.notified++

		if len(st.queue) > 0 {
			st.queue = append(st.queue, queuedChange{queuedAt: now, change: change.Clone()})
			b.queued++
			queued++
			continue
		}

		select {
		case st.ch <- change.Clone():
			b.direct++
			delivered++
		default:
			st.queue = append(st.queue, queuedChange{queuedAt: now, change: change.Clone()})
			b.queued++
			queued++
			b.logger.Warn("Subscriber channel full, change queued",
				"client_id", clientID,
				"change_id", change.ChangeID)
		}
	}

	b.logger.Debug("Change broadcast",
		"change_id", change.ChangeID,
		"entity", change.EntityKey(),
		"delivered", delivered,
		"queued", queued)

	return nil
}

// QueueChange appends change to the pending queue of every listed client.
// Clients that are not subscribed are skipped. It returns the number of
// queues the change was added to.
func (b *ChangeBroadcaster) QueueChange(change models.ContextChange, clientIDs ...uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	added := 0
	for _, clientID := range clientIDs {
		st, ok := b.clients[clientID]
		if !ok {
			b.failed++
			continue
		}
		st.queue = append(st.queue, queuedChange{queuedAt: now, change: change.Clone()})
		b.queued++
		added++
	}

	return added
}

// GetQueuedChanges returns the pending queue of clientID, oldest first.
func (b *ChangeBroadcaster) GetQueuedChanges(clientID uuid.UUID) []models.ContextChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.clients[clientID]
	if !ok {
		return []models.ContextChange{}
	}

	out := make([]models.ContextChange, len(st.queue))
	for i, q := range st.queue {
		out[i] = q.change.Clone()
	}
	return out
}

// AcknowledgeChange removes changeID from the pending queue of clientID.
// Acknowledging an unknown change or client succeeds without effect.
func (b *ChangeBroadcaster) AcknowledgeChange(clientID, changeID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.clients[clientID]
	if !ok {
		return nil
	}

	idx := slices.IndexFunc(st.queue, func(q queuedChange) bool {
		return q.change.ChangeID == changeID
	})
	if idx < 0 {
		return nil
	}
	st.queue = slices.Delete(st.queue, idx, idx+1)

	return nil
}

// IsSubscribed reports whether clientID has a live subscription.
func (b *ChangeBroadcaster) IsSubscribed(clientID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.clients[clientID]
	return ok
}

// Filters returns a copy of the filters of clientID.
func (b *ChangeBroadcaster) Filters(clientID uuid.UUID) ([]models.SyncFilters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.clients[clientID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return models.CloneFilters(st.filters), nil
}

// ClientIDs returns the subscribed client ids in a stable order.
func (b *ChangeBroadcaster) ClientIDs() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, c uuid.UUID) int {
		return bytes.Compare(a[:], c[:])
	})
	return ids
}

// ProjectStats counts the clients whose filters can match projectID and the
// queued changes of that project.
func (b *ChangeBroadcaster) ProjectStats(projectID string) ProjectStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stats ProjectStats
	for _, st := range b.clients {
		if models.CoversProjectAny(st.filters, projectID) {
			stats.ConnectedClients++
		}
		for _, q := range st.queue {
			if q.change.ProjectID != projectID {
				continue
			}
			stats.PendingChanges++
			if stats.OldestPending == nil || q.queuedAt.Before(*stats.OldestPending) {
				ts := q.queuedAt
				stats.OldestPending = &ts
			}
		}
	}

	if ts, ok := b.lastBroadcast[projectID]; ok {
		stats.LastBroadcast = &ts
	}

	return stats
}

// Metrics returns a snapshot of the broadcast counters.
func (b *ChangeBroadcaster) Metrics() BroadcastMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := BroadcastMetrics{
		ChangesByType:         make(map[models.ChangeType]uint64, len(b.byType)),
		TotalChangesBroadcast: b.totalBroadcast,
		TotalClientsNotified:  b.notified,
		DirectDeliveries:      b.direct,
		QueuedDeliveries:      b.queued,
		FailedDeliveries:      b.failed,
		ActiveSubscriptions:   len(b.clients),
	}
	for t, n := range b.byType {
		m.ChangesByType[t] = n
	}
	for _, st := range b.clients {
		m.QueueSize += len(st.queue)
	}

	return m
}

// Closed reports whether Shutdown has been called.
func (b *ChangeBroadcaster) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Shutdown closes every subscription. Later calls to Subscribe and Broadcast
// return ErrBroadcasterClosed.
func (b *ChangeBroadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for clientID := range b.clients {
		b.removeLocked(clientID)
	}
}
