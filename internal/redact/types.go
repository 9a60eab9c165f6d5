package redact

import (
	"slices"
	"time"
)

type State string

const (
	StateAwaitingReceipt State = "awaiting_receipt"
	StateSleeping        State = "sleeping"
	StateRedacting       State = "redacting"
	StateDone            State = "done"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

const (
	ReasonCancelled = "cancelled"
	ReasonExpired   = "expired"
	ReasonStopped   = "stopped"
)

// Options control new watches. Running watches keep the options they started with.
type Options struct {
	PollInterval time.Duration
	Delay        time.Duration
	// MaxWait bounds the receipt phase. 0 waits forever.
	MaxWait              time.Duration
	IgnoreSenderReceipts bool
	MediaTypes           []string
}

func DefaultOptions() Options {
	return Options{
		PollInterval:         time.Second,
		Delay:                20 * time.Second,
		MaxWait:              24 * time.Hour,
		IgnoreSenderReceipts: true,
		MediaTypes:           []string{"m.image"},
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.MaxWait < 0 {
		o.MaxWait = 0
	}
	if len(o.MediaTypes) == 0 {
		o.MediaTypes = d.MediaTypes
	}
	o.MediaTypes = slices.Clone(o.MediaTypes)
	return o
}

func (o Options) qualifies(mediaType string) bool {
	return slices.Contains(o.MediaTypes, mediaType)
}

// MediaEvent is a media message that may be scheduled for redaction.
type MediaEvent struct {
	RoomID    string
	EventID   string
	Sender    string
	MediaType string
}

// WatchInfo describes an in-flight watch.
type WatchInfo struct {
	RoomID    string    `json:"room_id"`
	EventID   string    `json:"event_id"`
	Sender    string    `json:"sender"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Since     time.Time `json:"since"`
}
