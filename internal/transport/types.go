package transport

import "context"

type EventKind string

const (
	EventText  EventKind = "text"
	EventMedia EventKind = "media"
	EventOther EventKind = "other"
	// EventRedaction reports that Redacts was removed from the room.
	EventRedaction EventKind = "redaction"
)

// Event is a room event as delivered by the chat network.
//
// Timestamp is the origin server timestamp in unix milliseconds (0 if unknown).
// MediaType carries the network message type for media events (e.g. "m.image").
// Redacts is the target event ID of a redaction.
type Event struct {
	Kind          EventKind
	RoomID        string
	EventID       string
	Sender        string
	Timestamp     int64
	Body          string
	FormattedBody string
	MediaType     string
	Redacts       string
}

// Adapter is a chat network event source.
type Adapter interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	// UserID is the account the adapter is logged in as ("" before login).
	UserID() string
}

// Sender posts messages into a room. html may be empty for plain text.
type Sender interface {
	SendText(ctx context.Context, roomID, plain, html string) (eventID string, err error)
}

// Redactor removes a previously sent event.
type Redactor interface {
	Redact(ctx context.Context, roomID, eventID string) error
}

// ReceiptSource answers which users have read an event.
type ReceiptSource interface {
	Receipts(ctx context.Context, roomID, eventID string) ([]string, error)
}
