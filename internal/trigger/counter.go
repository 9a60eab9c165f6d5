package trigger

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type ActionKind string

const (
	// ActionReply is a plain-text reply (the reply-link echo).
	ActionReply ActionKind = "reply"
	// ActionNotify is an HTML trigger notification.
	ActionNotify ActionKind = "notify"
)

// Action is an outgoing message derived from a text event.
type Action struct {
	RoomID string
	Kind   ActionKind
	Body   string
	HTML   string

	// Set for ActionNotify.
	Elapsed int64
	Count   int
}

type Outcome string

const (
	OutcomeCaptured Outcome = "captured"
	OutcomeReplied  Outcome = "replied"
	OutcomeBaseline Outcome = "baseline"
	OutcomeNotified Outcome = "notified"
	OutcomeIgnored  Outcome = "ignored"
)

// TextEvent is the subset of a room text message the counter looks at.
// Timestamp is the origin server time in unix ms; 0 means unknown.
type TextEvent struct {
	RoomID        string
	EventID       string
	Sender        string
	Body          string
	FormattedBody string
	Timestamp     int64
}

type CounterOption func(*Counter)

// WithClock overrides the clock used for events without a timestamp and for pruning.
func WithClock(now func() time.Time) CounterOption {
	return func(c *Counter) {
		if now != nil {
			c.now = now
		}
	}
}

// Counter tracks monitored-content occurrences per room.
type Counter struct {
	opts atomic.Pointer[compiled]
	now  func() time.Time
	// pruneWindowMS is the widest window ever applied.
	pruneWindowMS atomic.Int64

	mu    sync.Mutex
	rooms map[string]*RoomState
}

func NewCounter(opts Options, options ...CounterOption) (*Counter, error) {
	cc, err := compile(opts)
	if err != nil {
		return nil, err
	}
	c := &Counter{now: time.Now, rooms: map[string]*RoomState{}}
	for _, o := range options {
		o(c)
	}
	c.store(cc)
	return c, nil
}

// Apply swaps the option set. On error the previous set stays active.
func (c *Counter) Apply(opts Options) error {
	cc, err := compile(opts)
	if err != nil {
		return err
	}
	c.store(cc)
	return nil
}

func (c *Counter) store(cc *compiled) {
	c.opts.Store(cc)
	for {
		cur := c.pruneWindowMS.Load()
		if cc.windowMS <= cur || c.pruneWindowMS.CompareAndSwap(cur, cc.windowMS) {
			return
		}
	}
}

func (c *Counter) room(roomID string) *RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.rooms[roomID]
	if rs == nil {
		rs = &RoomState{}
		c.rooms[roomID] = rs
	}
	return rs
}

// OnTextEvent applies one text event to its room and returns the action to
// send, if any. Rules are tried in order: reply-link capture, command echo,
// monitored content.
func (c *Counter) OnTextEvent(ev TextEvent) (*Action, Outcome) {
	cc := c.opts.Load()
	rs := c.room(ev.RoomID)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if ev.FormattedBody != "" {
		if m := cc.replyLink.FindStringSubmatch(ev.FormattedBody); m != nil {
			rs.lastReplyLink = m[1]
			return nil, OutcomeCaptured
		}
	}

	if ev.Body == cc.command && rs.lastReplyLink != "" {
		return &Action{RoomID: ev.RoomID, Kind: ActionReply, Body: rs.lastReplyLink}, OutcomeReplied
	}

	if !cc.monitored.MatchString(ev.Body) {
		return nil, OutcomeIgnored
	}

	now := ev.Timestamp
	if now <= 0 {
		now = c.now().UnixMilli()
	}
	if rs.lastTrigger == 0 {
		rs.record(now)
		return nil, OutcomeBaseline
	}
	// Keep history ascending if the server hands us an older timestamp.
	if now < rs.lastTrigger {
		now = rs.lastTrigger
	}

	elapsed := (now - rs.lastTrigger) / 1000
	count := rs.countSince(now - cc.windowMS)
	body, err := cc.renderer.Render(elapsed, count, count == 1)
	rs.record(now)
	if err != nil {
		// Templates are test-rendered at construction. The trigger is
		// still recorded.
		return nil, OutcomeIgnored
	}
	return &Action{
		RoomID:  ev.RoomID,
		Kind:    ActionNotify,
		Body:    PlainText(body),
		HTML:    body,
		Elapsed: elapsed,
		Count:   count,
	}, OutcomeNotified
}

// Prune drops history entries older than the widest window applied so far
// and returns how many were removed. Narrowing the window and widening it
// back loses nothing. Widening past every earlier window can only count the
// entries still held, so counts may come out lower until history refills.
func (c *Counter) Prune(now time.Time) int {
	cutoff := now.UnixMilli() - c.pruneWindowMS.Load()

	c.mu.Lock()
	rooms := make([]*RoomState, 0, len(c.rooms))
	for _, rs := range c.rooms {
		rooms = append(rooms, rs)
	}
	c.mu.Unlock()

	removed := 0
	for _, rs := range rooms {
		rs.mu.Lock()
		removed += rs.prune(cutoff)
		rs.mu.Unlock()
	}
	return removed
}

// Snapshot returns a copy of one room's state.
func (c *Counter) Snapshot(roomID string) (RoomSnapshot, bool) {
	c.mu.Lock()
	rs := c.rooms[roomID]
	c.mu.Unlock()
	if rs == nil {
		return RoomSnapshot{}, false
	}
	return rs.snapshot(roomID), true
}

// Rooms returns snapshots of every known room, sorted by room ID.
func (c *Counter) Rooms() []RoomSnapshot {
	c.mu.Lock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)

	out := make([]RoomSnapshot, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.Snapshot(id); ok {
			out = append(out, s)
		}
	}
	return out
}
