package matrix

import (
	"sort"
	"sync"
)

const defaultReceiptCacheSize = 4096

// ReceiptTracker remembers which users have read which events.
//
// Matrix only sends the latest receipt per user and room, so a receipt on
// event E also counts as a read of every earlier event observed in that room.
// A user recorded as a reader stays one after the receipt moves on.
//
// The tracker is bounded: once more than max events are observed the oldest
// are forgotten and report no readers.
type ReceiptTracker struct {
	mu  sync.Mutex
	max int

	seq    uint64
	events map[string]trackedEvent // event id -> position
	order  []string                // FIFO of observed event ids

	// room -> user -> highest seq read
	marks map[string]map[string]uint64
}

type trackedEvent struct {
	room string
	seq  uint64
}

func NewReceiptTracker(max int) *ReceiptTracker {
	if max <= 0 {
		max = defaultReceiptCacheSize
	}
	return &ReceiptTracker{
		max:    max,
		events: make(map[string]trackedEvent, max),
		order:  make([]string, 0, max),
		marks:  make(map[string]map[string]uint64),
	}
}

// ObserveEvent appends an event to the room timeline. Repeats are ignored.
func (t *ReceiptTracker) ObserveEvent(roomID, eventID string) {
	if roomID == "" || eventID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.events[eventID]; ok {
		return
	}
	t.seq++
	t.events[eventID] = trackedEvent{room: roomID, seq: t.seq}
	t.order = append(t.order, eventID)
	for len(t.order) > t.max {
		delete(t.events, t.order[0])
		t.order[0] = ""
		t.order = t.order[1:]
	}
}

// AddReceipt records that userID has read up to eventID in roomID.
// Receipts for events that were never observed (or already evicted) are
// dropped; they cannot be placed on the timeline.
func (t *ReceiptTracker) AddReceipt(roomID, eventID, userID string) bool {
	if roomID == "" || eventID == "" || userID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.events[eventID]
	if !ok || ev.room != roomID {
		return false
	}
	users := t.marks[roomID]
	if users == nil {
		users = make(map[string]uint64)
		t.marks[roomID] = users
	}
	if ev.seq > users[userID] {
		users[userID] = ev.seq
	}
	return true
}

// Readers returns the sorted users that have read eventID.
func (t *ReceiptTracker) Readers(roomID, eventID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.events[eventID]
	if !ok || ev.room != roomID {
		return nil
	}
	var out []string
	for user, mark := range t.marks[roomID] {
		if mark >= ev.seq {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// Len reports the number of tracked events.
func (t *ReceiptTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}
