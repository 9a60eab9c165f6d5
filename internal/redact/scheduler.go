package redact

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"roombot/internal/eventbus"
	"roombot/internal/runtime/supervisor"
	"roombot/internal/transport"
	"roombot/pkg/logx"
)

type Deps struct {
	Receipts transport.ReceiptSource
	Redactor transport.Redactor
	Log      logx.Logger
	Bus      eventbus.Bus
}

// Scheduler watches media events and redacts each one a fixed delay after
// somebody has read it.
type Scheduler struct {
	receipts transport.ReceiptSource
	redactor transport.Redactor
	log      logx.Logger
	bus      eventbus.Bus
	// sup runs the watches. It never cancels on error: one broken watch
	// must not take the others, or the process, down with it.
	sup *supervisor.Supervisor

	opts atomic.Pointer[Options]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	watches map[string]*watch
}

func New(deps Deps, opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		receipts: deps.Receipts,
		redactor: deps.Redactor,
		log:      deps.Log,
		bus:      deps.Bus,
		ctx:      ctx,
		cancel:   cancel,
		watches:  map[string]*watch{},
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "redact"))
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.Apply(opts)
	return s
}

// Apply replaces the options used by watches started from now on.
func (s *Scheduler) Apply(opts Options) {
	o := opts.normalize()
	s.opts.Store(&o)
}

func (s *Scheduler) Options() Options { return *s.opts.Load() }

// Schedule starts a watch for ev. It returns false when the media type does
// not qualify, a watch for the same event already exists, or the scheduler
// is stopped.
func (s *Scheduler) Schedule(ev MediaEvent) bool {
	opts := *s.opts.Load()
	if !opts.qualifies(ev.MediaType) || ev.EventID == "" {
		return false
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.watches[ev.EventID]; dup {
		s.mu.Unlock()
		s.log.Debug("duplicate media event ignored", logx.String("event_id", ev.EventID))
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	now := time.Now()
	w := &watch{
		ev:        ev,
		opts:      opts,
		cancel:    cancel,
		startedAt: now,
		state:     StateAwaitingReceipt,
		since:     now,
	}
	s.watches[ev.EventID] = w
	// Spawned under mu so Stop cannot start waiting before the watch exists.
	s.sup.Go0("redact.watch", func(context.Context) {
		defer s.remove(w)
		defer cancel()
		defer s.recoverWatch(w)
		s.publish(w, StateAwaitingReceipt, "")
		s.run(ctx, w)
	})
	s.mu.Unlock()
	return true
}

// Cancel stops the watch for eventID. It reports whether a watch was found.
func (s *Scheduler) Cancel(eventID string) bool {
	s.mu.Lock()
	w := s.watches[eventID]
	s.mu.Unlock()
	if w == nil {
		return false
	}
	w.cancelWith(ReasonCancelled)
	return true
}

// Active lists in-flight watches, oldest first.
func (s *Scheduler) Active() []WatchInfo {
	s.mu.Lock()
	out := make([]WatchInfo, 0, len(s.watches))
	for _, w := range s.watches {
		out = append(out, w.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// Len returns the number of in-flight watches.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Stop cancels every watch and waits for them to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, w := range s.watches {
		w.setReason(ReasonStopped)
	}
	s.mu.Unlock()
	return s.sup.Stop(ctx)
}

// recoverWatch ends a panicking watch as Failed. The panic stays inside the
// watch.
func (s *Scheduler) recoverWatch(w *watch) {
	r := recover()
	if r == nil {
		return
	}
	s.log.Error("redaction watch panicked",
		logx.String("event_id", w.ev.EventID),
		logx.Any("panic", r),
		logx.Stack(string(debug.Stack())),
	)
	s.transition(w, StateFailed, fmt.Sprintf("panic: %v", r))
}

func (s *Scheduler) remove(w *watch) {
	s.mu.Lock()
	if s.watches[w.ev.EventID] == w {
		delete(s.watches, w.ev.EventID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) transition(w *watch, st State, reason string) {
	w.set(st)
	s.publish(w, st, reason)

	fields := []logx.Field{
		logx.String("room_id", w.ev.RoomID),
		logx.String("event_id", w.ev.EventID),
		logx.String("state", string(st)),
	}
	if reason != "" {
		fields = append(fields, logx.String("reason", reason))
	}
	switch st {
	case StateFailed:
		s.log.Warn("redaction failed", fields...)
	case StateDone, StateCancelled:
		s.log.Info("redaction watch finished", fields...)
	default:
		s.log.Debug("redaction watch transition", fields...)
	}
}

func (s *Scheduler) publish(w *watch, st State, reason string) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRedactionState,
		Data: eventbus.RedactionState{
			RoomID:  w.ev.RoomID,
			EventID: w.ev.EventID,
			State:   string(st),
			Reason:  reason,
		},
	})
}
