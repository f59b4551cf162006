package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ctxsync/internal/models"
)

func newTestChange(projectID, entityType, featureArea string) models.ContextChange {
	return models.ContextChange{
		ChangeID:    uuid.New(),
		ChangeType:  models.ChangeTypeUpdate,
		EntityType:  entityType,
		EntityID:    "e1",
		ProjectID:   projectID,
		FeatureArea: models.StringPtr(featureArea),
		Metadata: models.ChangeMetadata{
			ClientID:  uuid.New(),
			Timestamp: time.Now(),
			Version:   1,
		},
	}
}

func receive(t *testing.T, sub *Subscription) models.ContextChange {
	t.Helper()
	select {
	case c, ok := <-sub.C():
		require.True(t, ok, "channel closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return models.ContextChange{}
}

func assertNoDelivery(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case c := <-sub.C():
		t.Fatalf("unexpected change %s", c.ChangeID)
	default:
	}
}

func TestBroadcaster_Isolation(t *testing.T) {
	b := NewChangeBroadcaster(8, setupTestLogger())
	ctx := context.Background()

	byProject, err := b.Subscribe(ctx, uuid.New(), []models.SyncFilters{{
		ProjectIDs:  []string{"project1"},
		EntityTypes: []string{models.EntityTypeBusinessRule},
	}})
	require.NoError(t, err)
	byArea, err := b.Subscribe(ctx, uuid.New(), []models.SyncFilters{{FeatureAreas: []string{"authentication"}}})
	require.NoError(t, err)
	byADR, err := b.Subscribe(ctx, uuid.New(), []models.SyncFilters{{EntityTypes: []string{models.EntityTypeArchitecturalDecision}}})
	require.NoError(t, err)

	change := newTestChange("project1", models.EntityTypeBusinessRule, "authentication")
	require.NoError(t, b.Broadcast(ctx, change))

	assert.Equal(t, change.ChangeID, receive(t, byProject).ChangeID)
	assert.Equal(t, change.ChangeID, receive(t, byArea).ChangeID)
	assertNoDelivery(t, byADR)

	m := b.Metrics()
	assert.Equal(t, uint64(1), m.TotalChangesBroadcast)
	assert.Equal(t, uint64(2), m.TotalClientsNotified)
	assert.Equal(t, uint64(2), m.DirectDeliveries)
	assert.Equal(t, uint64(1), m.ChangesByType[models.ChangeTypeUpdate])
}

func TestBroadcaster_MultiFilterOR(t *testing.T) {
	b := NewChangeBroadcaster(8, setupTestLogger())
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, uuid.New(), []models.SyncFilters{
		{ProjectIDs: []string{"p1"}},
		{ProjectIDs: []string{"p2"}, EntityTypes: []string{models.EntityTypeArchitecturalDecision}},
	})
	require.NoError(t, err)

	adr := newTestChange("p2", models.EntityTypeArchitecturalDecision, "")
	require.NoError(t, b.Broadcast(ctx, adr))
	assert.Equal(t, adr.ChangeID, receive(t, sub).ChangeID)

	require.NoError(t, b.Broadcast(ctx, newTestChange("p2", models.EntityTypeTask, "")))
	assertNoDelivery(t, sub)
}

func TestBroadcaster_EmptyFiltersMatchAll(t *testing.T) {
	b := NewChangeBroadcaster(8, setupTestLogger())
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, uuid.New(), nil)
	require.NoError(t, err)

	change := newTestChange("any", "anything", "")
	require.NoError(t, b.Broadcast(ctx, change))
	assert.Equal(t, change.ChangeID, receive(t, sub).ChangeID)
}

func TestBroadcaster_FullChannelQueuesInOrder(t *testing.T) {
	b := NewChangeBroadcaster(2, setupTestLogger())
	ctx := context.Background()
	clientID := uuid.New()

	sub, err := b.Subscribe(ctx, clientID, nil)
	require.NoError(t, err)

	var sent []uuid.UUID
	for i := range 6 {
		c := newTestChange("p1", fmt.Sprintf("type-%d", i), "")
		sent = append(sent, c.ChangeID)
		require.NoError(t, b.Broadcast(ctx, c))
	}

	// two fit in the channel, the rest are queued
	assert.Equal(t, sent[0], receive(t, sub).ChangeID)
	assert.Equal(t, sent[1], receive(t, sub).ChangeID)

	queued := b.GetQueuedChanges(clientID)
	require.Len(t, queued, 4)
	for i, c := range queued {
		assert.Equal(t, sent[i+2], c.ChangeID)
	}

	// while the queue is non-empty new changes keep queueing behind it
	late := newTestChange("p1", "late", "")
	require.NoError(t, b.Broadcast(ctx, late))
	assertNoDelivery(t, sub)
	queued = b.GetQueuedChanges(clientID)
	require.Len(t, queued, 5)
	assert.Equal(t, late.ChangeID, queued[4].ChangeID)

	m := b.Metrics()
	assert.Equal(t, uint64(2), m.DirectDeliveries)
	assert.Equal(t, uint64(5), m.QueuedDeliveries)
	assert.Equal(t, 5, m.QueueSize)
}

func TestBroadcaster_AcknowledgeIsIdempotent(t *testing.T) {
	b := NewChangeBroadcaster(1, setupTestLogger())
	ctx := context.Background()
	clientID := uuid.New()

	_, err := b.Subscribe(ctx, clientID, nil)
	require.NoError(t, err)

	first := newTestChange("p1", "task", "")
	second := newTestChange("p1", "task", "")
	assert.Equal(t, 1, b.QueueChange(first, clientID))
	assert.Equal(t, 1, b.QueueChange(second, clientID))

	require.NoError(t, b.AcknowledgeChange(clientID, first.ChangeID))
	require.NoError(t, b.AcknowledgeChange(clientID, first.ChangeID))
	require.NoError(t, b.AcknowledgeChange(clientID, uuid.New()))
	require.NoError(t, b.AcknowledgeChange(uuid.New(), first.ChangeID))

	queued := b.GetQueuedChanges(clientID)
	require.Len(t, queued, 1)
	assert.Equal(t, second.ChangeID, queued[0].ChangeID)
}

func TestBroadcaster_QueueChangeSkipsUnknownClients(t *testing.T) {
	b := NewChangeBroadcaster(1, setupTestLogger())
	known := uuid.New()
	_, err := b.Subscribe(context.Background(), known, nil)
	require.NoError(t, err)

	n := b.QueueChange(newTestChange("p1", "task", ""), known, uuid.New())
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), b.Metrics().FailedDeliveries)
	assert.Empty(t, b.GetQueuedChanges(uuid.New()))
}

func TestBroadcaster_CloseDiscardsQueue(t *testing.T) {
	b := NewChangeBroadcaster(1, setupTestLogger())
	clientID := uuid.New()

	sub, err := b.Subscribe(context.Background(), clientID, nil)
	require.NoError(t, err)
	b.QueueChange(newTestChange("p1", "task", ""), clientID)

	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.False(t, b.IsSubscribed(clientID))
	assert.Empty(t, b.GetQueuedChanges(clientID))
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewChangeBroadcaster(1, setupTestLogger())
	clientID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, clientID, nil)
	require.NoError(t, err)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Eventually(t, func() bool { return !b.IsSubscribed(clientID) }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_ResubscribeKeepsQueue(t *testing.T) {
	b := NewChangeBroadcaster(1, setupTestLogger())
	ctx := context.Background()
	clientID := uuid.New()

	old, err := b.Subscribe(ctx, clientID, nil)
	require.NoError(t, err)
	queuedChange := newTestChange("p1", "task", "")
	b.QueueChange(queuedChange, clientID)

	fresh, err := b.Subscribe(ctx, clientID, []models.SyncFilters{{ProjectIDs: []string{"p1"}}})
	require.NoError(t, err)
	assert.Equal(t, clientID, fresh.ClientID())

	_, ok := <-old.C()
	assert.False(t, ok, "replaced channel must be closed")

	// closing the replaced subscription leaves the new one alone
	old.Close()
	assert.True(t, b.IsSubscribed(clientID))

	queued := b.GetQueuedChanges(clientID)
	require.Len(t, queued, 1)
	assert.Equal(t, queuedChange.ChangeID, queued[0].ChangeID)

	filters, err := b.Filters(clientID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, filters[0].ProjectIDs)
}

func TestBroadcaster_UpdateSubscription(t *testing.T) {
	b := NewChangeBroadcaster(4, setupTestLogger())
	ctx := context.Background()
	clientID := uuid.New()

	assert.ErrorIs(t, b.UpdateSubscription(clientID, nil), ErrSubscriptionNotFound)

	sub, err := b.Subscribe(ctx, clientID, []models.SyncFilters{{ProjectIDs: []string{"p1"}}})
	require.NoError(t, err)

	require.NoError(t, b.UpdateSubscription(clientID, []models.SyncFilters{{ProjectIDs: []string{"p2"}}}))

	require.NoError(t, b.Broadcast(ctx, newTestChange("p1", "task", "")))
	assertNoDelivery(t, sub)

	p2 := newTestChange("p2", "task", "")
	require.NoError(t, b.Broadcast(ctx, p2))
	assert.Equal(t, p2.ChangeID, receive(t, sub).ChangeID)
}

func TestBroadcaster_ProjectStats(t *testing.T) {
	b := NewChangeBroadcaster(1, setupTestLogger())
	ctx := context.Background()

	stats := b.ProjectStats("p1")
	assert.Zero(t, stats.ConnectedClients)
	assert.Nil(t, stats.LastBroadcast)

	clientID := uuid.New()
	_, err := b.Subscribe(ctx, clientID, []models.SyncFilters{{ProjectIDs: []string{"p1"}}})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, uuid.New(), []models.SyncFilters{{ProjectIDs: []string{"p2"}}})
	require.NoError(t, err)

	require.NoError(t, b.Broadcast(ctx, newTestChange("p1", "task", "")))
	require.NoError(t, b.Broadcast(ctx, newTestChange("p1", "task", "")))

	stats = b.ProjectStats("p1")
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, 1, stats.PendingChanges)
	assert.NotNil(t, stats.LastBroadcast)
	assert.NotNil(t, stats.OldestPending)
}

func TestBroadcaster_Shutdown(t *testing.T) {
	b := NewChangeBroadcaster(1, setupTestLogger())
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, uuid.New(), nil)
	require.NoError(t, err)

	b.Shutdown()
	b.Shutdown()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, b.Broadcast(ctx, newTestChange("p1", "task", "")), ErrBroadcasterClosed)
	_, err = b.Subscribe(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrBroadcasterClosed)
}

func TestBroadcaster_ConcurrentProducersKeepPerClientOrder(t *testing.T) {
	b := NewChangeBroadcaster(1024, setupTestLogger())
	ctx := context.Background()
	clientID := uuid.New()

	sub, err := b.Subscribe(ctx, clientID, nil)
	require.NoError(t, err)

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range perProducer {
				c := newTestChange("p1", fmt.Sprintf("producer-%d", p), "")
				c.Metadata.Version = uint32(i)
				assert.NoError(t, b.Broadcast(ctx, c))
			}
		}(p)
	}
	wg.Wait()

	last := make(map[string]int)
	for range producers * perProducer {
		c := receive(t, sub)
		prev, seen := last[c.EntityType]
		if seen {
			assert.Greater(t, int(c.Metadata.Version), prev, "changes from one producer arrive in order")
		}
		last[c.EntityType] = int(c.Metadata.Version)
	}
	assert.Equal(t, uint64(producers*perProducer), b.Metrics().TotalChangesBroadcast)
}
