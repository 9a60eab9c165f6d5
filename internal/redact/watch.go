package redact

import (
	"context"
	"sync"
	"time"

	"roombot/pkg/logx"
)

type watch struct {
	ev        MediaEvent
	opts      Options
	cancel    context.CancelFunc
	startedAt time.Time

	mu     sync.Mutex
	state  State
	since  time.Time
	reason string
}

func (w *watch) set(st State) {
	w.mu.Lock()
	w.state = st
	w.since = time.Now()
	w.mu.Unlock()
}

// setReason records why the watch is being cancelled. The first reason wins.
func (w *watch) setReason(reason string) {
	w.mu.Lock()
	if w.reason == "" {
		w.reason = reason
	}
	w.mu.Unlock()
}

func (w *watch) cancelWith(reason string) {
	w.setReason(reason)
	w.cancel()
}

func (w *watch) cancelReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reason == "" {
		return ReasonCancelled
	}
	return w.reason
}

func (w *watch) info() WatchInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatchInfo{
		RoomID:    w.ev.RoomID,
		EventID:   w.ev.EventID,
		Sender:    w.ev.Sender,
		State:     w.state,
		StartedAt: w.startedAt,
		Since:     w.since,
	}
}

// run drives one watch through AwaitingReceipt, Sleeping and Redacting.
func (s *Scheduler) run(ctx context.Context, w *watch) {
	if !s.awaitReceipt(ctx, w) {
		return
	}

	s.transition(w, StateSleeping, "")
	timer := time.NewTimer(w.opts.Delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		s.transition(w, StateCancelled, w.cancelReason())
		return
	case <-timer.C:
	}
	if ctx.Err() != nil {
		s.transition(w, StateCancelled, w.cancelReason())
		return
	}

	s.transition(w, StateRedacting, "")
	if err := s.redactor.Redact(ctx, w.ev.RoomID, w.ev.EventID); err != nil {
		s.transition(w, StateFailed, err.Error())
		return
	}
	s.transition(w, StateDone, "")
}

// awaitReceipt polls until a qualifying reader shows up. It returns false
// when the watch ended (cancelled or expired) in this phase.
func (s *Scheduler) awaitReceipt(ctx context.Context, w *watch) bool {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	var expired <-chan time.Time
	if w.opts.MaxWait > 0 {
		t := time.NewTimer(w.opts.MaxWait)
		defer t.Stop()
		expired = t.C
	}

	for {
		if s.hasReader(ctx, w) {
			return true
		}
		select {
		case <-ctx.Done():
			s.transition(w, StateCancelled, w.cancelReason())
			return false
		case <-expired:
			w.setReason(ReasonExpired)
			s.transition(w, StateCancelled, ReasonExpired)
			return false
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) hasReader(ctx context.Context, w *watch) bool {
	if ctx.Err() != nil {
		return false
	}
	readers, err := s.receipts.Receipts(ctx, w.ev.RoomID, w.ev.EventID)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("receipt query failed", logx.String("event_id", w.ev.EventID), logx.Err(err))
		}
		return false
	}
	for _, r := range readers {
		if w.opts.IgnoreSenderReceipts && r == w.ev.Sender {
			continue
		}
		return true
	}
	return false
}
