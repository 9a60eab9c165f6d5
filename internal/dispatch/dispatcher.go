package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"roombot/internal/eventbus"
	"roombot/internal/redact"
	"roombot/internal/runtime/supervisor"
	"roombot/internal/transport"
	"roombot/internal/trigger"
	"roombot/pkg/logx"
)

var ErrNoSupervisor = errors.New("dispatch: supervisor is required")

// TextHandler turns a text event into an optional outgoing action.
type TextHandler interface {
	OnTextEvent(ev trigger.TextEvent) (*trigger.Action, trigger.Outcome)
}

// MediaScheduler accepts media events for delayed redaction. Cancel drops
// the watch for an event that was removed by someone else.
type MediaScheduler interface {
	Schedule(ev redact.MediaEvent) bool
	Cancel(eventID string) bool
}

type Options struct {
	RoomBuffer     int
	SendRatePerSec float64
}

func DefaultOptions() Options {
	return Options{RoomBuffer: 64, SendRatePerSec: 2}
}

type Deps struct {
	Text   TextHandler
	Media  MediaScheduler
	Sender transport.Sender
	// Self returns the bot's own user ID; its events are skipped.
	Self func() string
	Log  logx.Logger
	Bus  eventbus.Bus
	Sup  *supervisor.Supervisor
}

// Dispatcher routes room events to per-room workers. Each room has one
// worker goroutine and a FIFO inbox, so events of a room are handled one at
// a time in delivery order while rooms proceed independently.
type Dispatcher struct {
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	mu    sync.Mutex
	opts  Options
	rooms map[string]*room
}

type room struct {
	id      string
	inbox   chan transport.Event
	limiter *rate.Limiter
}

func New(deps Deps, opts Options) (*Dispatcher, error) {
	if deps.Sup == nil {
		return nil, ErrNoSupervisor
	}
	d := &Dispatcher{
		deps:  deps,
		log:   deps.Log,
		bus:   deps.Bus,
		opts:  normalize(opts),
		rooms: map[string]*room{},
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	d.log = d.log.With(logx.String("comp", "dispatch"))
	if d.bus == nil {
		d.bus = eventbus.Nop()
	}
	return d, nil
}

func normalize(o Options) Options {
	if o.RoomBuffer <= 0 {
		o.RoomBuffer = DefaultOptions().RoomBuffer
	}
	return o
}

func limitFor(perSec float64) (rate.Limit, int) {
	if perSec <= 0 {
		return rate.Inf, 1
	}
	return rate.Limit(perSec), max(1, int(perSec))
}

// Apply updates the send rate of existing rooms. A new room buffer size only
// affects rooms created afterwards.
func (d *Dispatcher) Apply(opts Options) {
	opts = normalize(opts)
	lim, burst := limitFor(opts.SendRatePerSec)
	d.mu.Lock()
	d.opts = opts
	for _, r := range d.rooms {
		r.limiter.SetLimit(lim)
		r.limiter.SetBurst(burst)
	}
	d.mu.Unlock()
}

// Rooms returns the number of rooms with a running worker.
func (d *Dispatcher) Rooms() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// Run dispatches events from in until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if err := d.Dispatch(ctx, ev); err != nil {
				return nil
			}
		}
	}
}

// Dispatch enqueues ev on its room's inbox. It blocks while the inbox is
// full and returns ctx.Err() if ctx ends first.
func (d *Dispatcher) Dispatch(ctx context.Context, ev transport.Event) error {
	if ev.RoomID == "" {
		return nil
	}
	r := d.room(ev.RoomID)
	select {
	case r.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) room(roomID string) *room {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r := d.rooms[roomID]; r != nil {
		return r
	}
	lim, burst := limitFor(d.opts.SendRatePerSec)
	r := &room{
		id:      roomID,
		inbox:   make(chan transport.Event, d.opts.RoomBuffer),
		limiter: rate.NewLimiter(lim, burst),
	}
	d.rooms[roomID] = r
	d.deps.Sup.GoRestart("dispatch.room", func(ctx context.Context) error {
		return d.work(ctx, r)
	})
	d.log.Debug("room worker started", logx.String("room_id", roomID))
	return r
}

func (d *Dispatcher) work(ctx context.Context, r *room) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.inbox:
			d.handle(ctx, r, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, r *room, ev transport.Event) {
	if d.deps.Self != nil && ev.Sender != "" && ev.Sender == d.deps.Self() {
		return
	}
	switch ev.Kind {
	case transport.EventText:
		d.handleText(ctx, r, ev)
	case transport.EventMedia:
		if d.deps.Media == nil {
			return
		}
		ok := d.deps.Media.Schedule(redact.MediaEvent{
			RoomID:    ev.RoomID,
			EventID:   ev.EventID,
			Sender:    ev.Sender,
			MediaType: ev.MediaType,
		})
		if ok {
			d.log.Debug("media scheduled for redaction", logx.String("room_id", ev.RoomID), logx.String("event_id", ev.EventID))
		}
	case transport.EventRedaction:
		if d.deps.Media == nil || ev.Redacts == "" {
			return
		}
		if d.deps.Media.Cancel(ev.Redacts) {
			d.log.Info("watched media redacted elsewhere",
				logx.String("room_id", ev.RoomID),
				logx.String("event_id", ev.Redacts),
				logx.String("by", ev.Sender),
			)
		}
	}
}

func (d *Dispatcher) handleText(ctx context.Context, r *room, ev transport.Event) {
	if d.deps.Text == nil {
		return
	}
	act, outcome := d.deps.Text.OnTextEvent(trigger.TextEvent{
		RoomID:        ev.RoomID,
		EventID:       ev.EventID,
		Sender:        ev.Sender,
		Body:          ev.Body,
		FormattedBody: ev.FormattedBody,
		Timestamp:     ev.Timestamp,
	})

	to := eventbus.TriggerOutcome{RoomID: ev.RoomID, EventID: ev.EventID, Outcome: string(outcome)}
	if act != nil {
		to.Count = act.Count
		to.Elapsed = act.Elapsed
		if act.Kind == trigger.ActionReply {
			to.Link = act.Body
		}
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerOutcome, Data: to})

	if act == nil {
		return
	}
	d.send(ctx, r, act)
}

func (d *Dispatcher) send(ctx context.Context, r *room, act *trigger.Action) {
	res := eventbus.SendResult{RoomID: act.RoomID, Kind: string(act.Kind)}
	defer func() { d.bus.Publish(eventbus.Event{Type: eventbus.TypeSendResult, Data: res}) }()

	if err := r.limiter.Wait(ctx); err != nil {
		res.Err = err.Error()
		return
	}
	if d.deps.Sender == nil {
		res.Err = "no sender"
		return
	}
	_, err := d.deps.Sender.SendText(ctx, act.RoomID, act.Body, act.HTML)
	if err != nil {
		res.Err = err.Error()
		d.log.Warn("send failed", logx.String("room_id", act.RoomID), logx.String("kind", string(act.Kind)), logx.Err(err))
		return
	}
	res.OK = true
	d.log.Info("action sent",
		logx.String("room_id", act.RoomID),
		logx.String("kind", string(act.Kind)),
		logx.Int("count", act.Count),
		logx.Int64("elapsed", act.Elapsed),
	)
}
