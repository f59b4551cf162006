package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
	"github.com/iudanet/ctxsync/pkg/api"
)

// readLimit bounds one WebSocket message; full entity snapshots can be large
const readLimit = 8 << 20

// ErrStreamMessage wraps error messages sent by the server over a live stream.
// The stream stays usable after it.
var ErrStreamMessage = errors.New("stream error message")

// Stream is a live change subscription
type Stream struct {
	conn     *websocket.Conn
	clientID uuid.UUID
}

// Stream opens the sync WebSocket and subscribes with filters.
// It returns once the server confirmed the subscription.
func (c *Client) Stream(ctx context.Context, clientID uuid.UUID, filters []models.SyncFilters) (*Stream, error) {
	url := c.baseURL + "/api/v1/sync/ws?client_id=" + clientID.String()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: c.authHeader(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sync stream: %w", err)
	}
	conn.SetReadLimit(readLimit)

	s := &Stream{conn: conn, clientID: clientID}

	if err := wsjson.Write(ctx, conn, api.ClientMessage{Type: api.MessageSubscribe, Filters: filters}); err != nil {
		s.closeNow()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	var msg api.ServerMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		s.closeNow()
		return nil, fmt.Errorf("failed to read subscription: %w", err)
	}
	if msg.Type != api.MessageSubscribed {
		s.closeNow()
		return nil, fmt.Errorf("unexpected %q message instead of subscription confirmation", msg.Type)
	}

	return s, nil
}

// ClientID returns the subscribed client id
func (s *Stream) ClientID() uuid.UUID {
	return s.clientID
}

// Next blocks until the next change arrives. Server error messages are
// returned wrapped in ErrStreamMessage.
func (s *Stream) Next(ctx context.Context) (models.ContextChange, error) {
	for {
		var msg api.ServerMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			return models.ContextChange{}, fmt.Errorf("failed to read stream: %w", err)
		}

		switch msg.Type {
		case api.MessageChange:
			if msg.Change != nil {
				return *msg.Change, nil
			}
		case api.MessageError:
			return models.ContextChange{}, fmt.Errorf("%w: %s", ErrStreamMessage, msg.Error)
		}
	}
}

// Ack acknowledges a delivered change over the stream
func (s *Stream) Ack(ctx context.Context, changeID uuid.UUID) error {
	if err := wsjson.Write(ctx, s.conn, api.ClientMessage{Type: api.MessageAck, ChangeID: changeID}); err != nil {
		return fmt.Errorf("failed to ack %s: %w", changeID, err)
	}
	return nil
}

// Resubscribe replaces the filters of the live subscription
func (s *Stream) Resubscribe(ctx context.Context, filters []models.SyncFilters) error {
	if err := wsjson.Write(ctx, s.conn, api.ClientMessage{Type: api.MessageSubscribe, Filters: filters}); err != nil {
		return fmt.Errorf("failed to resubscribe: %w", err)
	}
	return nil
}

// Close ends the stream with a normal closure
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Stream) closeNow() {
	_ = s.conn.CloseNow()
}
