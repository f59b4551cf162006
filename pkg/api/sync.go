package api

import (
	"github.com/google/uuid"

	"github.com/iudanet/ctxsync/internal/models"
)

// WebSocket message types
const (
	MessageSubscribe  = "subscribe"
	MessageAck        = "ack"
	MessageSubscribed = "subscribed"
	MessageChange     = "change"
	MessageError      = "error"
)

// ClientMessage is sent by a client over the sync WebSocket.
// The first message must be a subscribe; later subscribes replace the filters.
type ClientMessage struct {
	Type     string               `json:"type"`
	Filters  []models.SyncFilters `json:"filters,omitempty"`
	ChangeID uuid.UUID            `json:"change_id,omitempty"`
}

// ServerMessage is sent by the server over the sync WebSocket.
type ServerMessage struct {
	Change   *models.ContextChange `json:"change,omitempty"`
	Type     string                `json:"type"`
	Error    string                `json:"error,omitempty"`
	ClientID uuid.UUID             `json:"client_id,omitempty"`
}

// AckRequest acknowledges delivery of a change
type AckRequest struct {
	ClientID uuid.UUID `json:"client_id"`
	ChangeID uuid.UUID `json:"change_id"`
}

// QueueResponse lists changes waiting for acknowledgement
type QueueResponse struct {
	Changes  []models.ContextChange `json:"changes"`
	ClientID uuid.UUID              `json:"client_id"`
}
