package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/ctxsync/internal/models"
	ctxsync "github.com/iudanet/ctxsync/internal/sync"
	"github.com/iudanet/ctxsync/pkg/api"
)

// subscribeTimeout bounds the wait for the first subscribe message
const subscribeTimeout = 10 * time.Second

var (
	errSubscriptionReplaced = errors.New("subscription replaced by a newer connection")
	errServerShutdown       = errors.New("server shutting down")
)

// SyncHandler serves live change subscriptions and their delivery bookkeeping
type SyncHandler struct {
	logger         *slog.Logger
	engine         *ctxsync.Engine
	originPatterns []string
	redelivery     time.Duration
}

// NewSyncHandler creates a new sync handler.
// Queued changes are re-sent to live sockets every redelivery interval.
func NewSyncHandler(logger *slog.Logger, engine *ctxsync.Engine, redelivery time.Duration, originPatterns []string) *SyncHandler {
	return &SyncHandler{
		logger:         logger,
		engine:         engine,
		originPatterns: originPatterns,
		redelivery:     redelivery,
	}
}

// Stream обрабатывает GET /api/v1/sync/ws?client_id=
// The first client message must be a subscribe carrying the filters.
func (h *SyncHandler) Stream(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(r)
	if err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid client_id", err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "client_id", clientID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	sub, err := h.awaitSubscribe(ctx, conn, clientID)
	if err != nil {
		h.logger.Warn("Subscription handshake failed", "client_id", clientID, "error", err)
		conn.Close(websocket.StatusPolicyViolation, "subscribe expected")
		return
	}
	defer sub.Close()

	h.logger.Info("Client connected", "client_id", clientID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.readLoop(gctx, conn, clientID) })
	g.Go(func() error { return h.writeLoop(gctx, conn, sub) })

	err = g.Wait()
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, errServerShutdown):
		conn.Close(websocket.StatusGoingAway, err.Error())
	case errors.Is(err, errSubscriptionReplaced):
		conn.Close(websocket.StatusPolicyViolation, err.Error())
	default:
		h.logger.Warn("Client stream ended", "client_id", clientID, "error", err)
		conn.Close(websocket.StatusInternalError, "stream failed")
	}

	h.logger.Info("Client disconnected", "client_id", clientID)
}

func (h *SyncHandler) awaitSubscribe(ctx context.Context, conn *websocket.Conn, clientID uuid.UUID) (*ctxsync.Subscription, error) {
	readCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	var msg api.ClientMessage
	if err := wsjson.Read(readCtx, conn, &msg); err != nil {
		return nil, fmt.Errorf("read subscribe: %w", err)
	}
	if msg.Type != api.MessageSubscribe {
		return nil, fmt.Errorf("unexpected message %q", msg.Type)
	}

	sub, err := h.engine.Subscribe(ctx, clientID, msg.Filters)
	if err != nil {
		return nil, err
	}

	if err := wsjson.Write(ctx, conn, api.ServerMessage{Type: api.MessageSubscribed, ClientID: clientID}); err != nil {
		sub.Close()
		return nil, fmt.Errorf("write subscribed: %w", err)
	}

	return sub, nil
}

// readLoop handles acks and filter updates until the socket closes.
func (h *SyncHandler) readLoop(ctx context.Context, conn *websocket.Conn, clientID uuid.UUID) error {
	for {
		var msg api.ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}

		var err error
		switch msg.Type {
		case api.MessageAck:
			err = h.engine.AcknowledgeChange(clientID, msg.ChangeID)
		case api.MessageSubscribe:
			err = h.engine.UpdateSubscription(clientID, msg.Filters)
		default:
			err = fmt.Errorf("unknown message type %q", msg.Type)
		}

		if err != nil {
			if werr := wsjson.Write(ctx, conn, api.ServerMessage{Type: api.MessageError, Error: err.Error()}); werr != nil {
				return werr
			}
		}
	}
}

// writeLoop forwards live deliveries and periodically re-sends queued changes.
// Queued changes are newer than anything still buffered in the subscription
// channel, so the channel is drained before every redelivery.
func (h *SyncHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *ctxsync.Subscription) error {
	ticker := time.NewTicker(h.redelivery)
	defer ticker.Stop()

	if err := h.flush(ctx, conn, sub); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-sub.C():
			if !ok {
				return h.subscriptionEnded()
			}
			if err := sendChange(ctx, conn, change); err != nil {
				return err
			}
		case <-ticker.C:
			if err := h.flush(ctx, conn, sub); err != nil {
				return err
			}
		}
	}
}

// flush sends what is buffered in the subscription channel, then the queue.
func (h *SyncHandler) flush(ctx context.Context, conn *websocket.Conn, sub *ctxsync.Subscription) error {
	for {
		select {
		case change, ok := <-sub.C():
			if !ok {
				return h.subscriptionEnded()
			}
			if err := sendChange(ctx, conn, change); err != nil {
				return err
			}
		default:
			return h.redeliver(ctx, conn, sub.ClientID())
		}
	}
}

// subscriptionEnded tells a server shutdown apart from a newer connection
// taking over the client id.
func (h *SyncHandler) subscriptionEnded() error {
	if h.engine.Closed() {
		return errServerShutdown
	}
	return errSubscriptionReplaced
}

func (h *SyncHandler) redeliver(ctx context.Context, conn *websocket.Conn, clientID uuid.UUID) error {
	queued := h.engine.GetQueuedChanges(clientID)
	for _, change := range queued {
		if err := sendChange(ctx, conn, change); err != nil {
			return err
		}
	}
	if len(queued) > 0 {
		h.logger.Debug("Queued changes re-sent", "client_id", clientID, "count", len(queued))
	}
	return nil
}

func sendChange(ctx context.Context, conn *websocket.Conn, change models.ContextChange) error {
	return wsjson.Write(ctx, conn, api.ServerMessage{Type: api.MessageChange, Change: &change})
}

// Queue обрабатывает GET /api/v1/sync/queue?client_id=
func (h *SyncHandler) Queue(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(r)
	if err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid client_id", err)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, api.QueueResponse{
		ClientID: clientID,
		Changes:  h.engine.GetQueuedChanges(clientID),
	})
}

// Ack обрабатывает POST /api/v1/sync/ack
func (h *SyncHandler) Ack(w http.ResponseWriter, r *http.Request) {
	var req api.AckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ClientID == uuid.Nil || req.ChangeID == uuid.Nil {
		writeError(h.logger, w, http.StatusBadRequest, "client_id and change_id are required", nil)
		return
	}

	if err := h.engine.AcknowledgeChange(req.ClientID, req.ChangeID); err != nil {
		writeServiceError(h.logger, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status обрабатывает GET /api/v1/sync/status?project_id=
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(h.logger, w, http.StatusBadRequest, "project_id is required", nil)
		return
	}

	writeJSON(h.logger, w, http.StatusOK, h.engine.GetSyncStatus(projectID))
}

// Metrics обрабатывает GET /api/v1/sync/metrics
func (h *SyncHandler) Metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(h.logger, w, http.StatusOK, h.engine.Metrics())
}
