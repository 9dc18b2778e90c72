// Package store persists the relay's operational records: session lifecycle
// and audit events. Relay payloads are never stored.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the relay.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionState(ctx context.Context, id, state string) error
	CountActiveSessions(ctx context.Context) (int, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session records one client session's lifecycle.
type Session struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	State      string    `json:"state"` // "active", "closed"
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditEvent is an append-only operational record.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"` // e.g. "session.connect", "auth.failure", "resource.release"
	SessionID string          `json:"session_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
