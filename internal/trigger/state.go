package trigger

import "sync"

// RoomState is the per-room trigger memory.
//
// history is ascending and lastTrigger equals its last element whenever it is
// non-empty. Both are only written together under mu.
type RoomState struct {
	mu            sync.Mutex
	lastTrigger   int64 // unix ms, 0 = never
	history       []int64
	lastReplyLink string
}

// RoomSnapshot is a copy of RoomState safe to hand out.
type RoomSnapshot struct {
	RoomID        string
	LastTrigger   int64
	History       []int64
	LastReplyLink string
}

// countSince returns 1 + the number of history entries strictly newer than
// cutoff. The scan walks backwards and stops at the first entry outside.
func (s *RoomState) countSince(cutoff int64) int {
	n := 1
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i] <= cutoff {
			break
		}
		n++
	}
	return n
}

func (s *RoomState) record(ts int64) {
	s.history = append(s.history, ts)
	s.lastTrigger = ts
}

// prune drops entries at or before cutoff, always keeping the newest.
func (s *RoomState) prune(cutoff int64) int {
	if len(s.history) <= 1 {
		return 0
	}
	keepFrom := len(s.history) - 1
	for i, ts := range s.history[:len(s.history)-1] {
		if ts > cutoff {
			keepFrom = i
			break
		}
	}
	if keepFrom == 0 {
		return 0
	}
	s.history = append(s.history[:0:0], s.history[keepFrom:]...)
	return keepFrom
}

func (s *RoomState) snapshot(roomID string) RoomSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RoomSnapshot{
		RoomID:        roomID,
		LastTrigger:   s.lastTrigger,
		History:       append([]int64(nil), s.history...),
		LastReplyLink: s.lastReplyLink,
	}
}
