package storage

import (
	"context"

	"github.com/google/uuid"
)

// SessionStorage keeps the connection settings of the local client
type SessionStorage interface {
	// SaveSession stores the session, replacing any previous one
	SaveSession(ctx context.Context, session *Session) error

	// GetSession returns ErrSessionNotFound if no session was saved
	GetSession(ctx context.Context) (*Session, error)

	// DeleteSession removes the saved session
	DeleteSession(ctx context.Context) error
}

// Session identifies this client against one server.
// ClientID is stable across reconnects so the server keeps its pending queue.
type Session struct {
	ServerURL   string    `json:"server_url"`
	AccessToken string    `json:"access_token,omitempty"`
	ClientID    uuid.UUID `json:"client_id"`
}
