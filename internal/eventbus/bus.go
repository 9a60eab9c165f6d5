// Package eventbus is the in-process fan-out used to report what the
// trigger counter, the dispatcher and the redaction scheduler did. Metrics,
// the audit log and debug logging all read from it.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeTriggerOutcome = "trigger.outcome" // Data: TriggerOutcome
	TypeRedactionState = "redaction.state" // Data: RedactionState
	TypeSendResult     = "send.result"     // Data: SendResult
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// TriggerOutcome reports which branch the trigger counter took for one
// text event. Elapsed is in seconds and only set for notifications.
type TriggerOutcome struct {
	RoomID  string
	EventID string
	Outcome string
	Count   int
	Elapsed int64
	Link    string
}

type RedactionState struct {
	RoomID  string
	EventID string
	State   string
	Reason  string
}

// SendResult reports one outgoing message. Err is empty when OK.
type SendResult struct {
	RoomID string
	Kind   string
	OK     bool
	Err    string
}

// Bus is a non-blocking fan-out. Publish never waits: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

const defaultBuffer = 8

func New() Bus { return &fanout{subs: map[*subscriber]struct{}{}} }

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event)   {}
func (nopBus) Dropped() uint64 { return 0 }
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type subscriber struct {
	ch chan Event
}

type fanout struct {
	// Publish holds the read lock while it sends, so unsubscribe can close
	// the channel under the write lock.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
