package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit kinds.
const (
	KindNotify    = "notify"
	KindReply     = "reply"
	KindCapture   = "capture"
	KindRedaction = "redaction"
)

// AuditEntry records one bot action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	RoomID  string    `json:"room_id"`
	EventID string    `json:"event_id,omitempty"`
	// State is the redaction end state or "ok"/"failed" for sends.
	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}
