package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	rtsup "roombot/internal/runtime/supervisor"
	"roombot/internal/transport"
	logx "roombot/pkg/logx"
)

var ErrNotLoggedIn = errors.New("matrix: not logged in")

type Config struct {
	HomeserverURL string
	Username      string
	Password      string
	DeviceName    string

	// RequestTimeout bounds every homeserver request, including the sync long poll.
	RequestTimeout   time.Duration
	ReceiptCacheSize int
}

// Adapter connects to a homeserver with password login and implements
// transport.Adapter, Sender, Redactor and ReceiptSource.
type Adapter struct {
	cfg Config
	log logx.Logger

	client   *mautrix.Client
	receipts *ReceiptTracker

	out     atomic.Value // stores (chan<- transport.Event)
	userID  atomic.Value // stores string
	runMu   sync.Mutex
	running bool

	// sup owns the sync loop. Created on Start, cancelled on Stop.
	sup *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg.HomeserverURL = strings.TrimSpace(cfg.HomeserverURL)
	cfg.Username = strings.TrimSpace(cfg.Username)
	if cfg.HomeserverURL == "" {
		return nil, errors.New("matrix: homeserver url is empty")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("matrix: username and password are required")
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "roombot"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	client, err := mautrix.NewClient(cfg.HomeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("matrix: %w", err)
	}
	client.Client = &http.Client{Timeout: cfg.RequestTimeout}
	client.Log = log.Zerolog()

	a := &Adapter{
		cfg:      cfg,
		log:      log,
		client:   client,
		receipts: NewReceiptTracker(cfg.ReceiptCacheSize),
	}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.userID.Store("")

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, errors.New("matrix: unexpected syncer type")
	}
	a.registerHandlers(syncer)
	return a, nil
}

func (a *Adapter) registerHandlers(syncer *mautrix.DefaultSyncer) {
	// The first sync returns history; only events after startup are handled.
	syncer.OnSync(a.client.DontProcessOldEvents)

	// Every timeline event gets a position so receipts on reactions, edits,
	// state changes etc. still count as reads of earlier messages.
	syncer.OnEvent(func(_ context.Context, evt *event.Event) {
		if evt == nil || evt.Mautrix.EventSource&event.SourceTimeline == 0 {
			return
		}
		a.receipts.ObserveEvent(evt.RoomID.String(), evt.ID.String())
	})

	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		ev, ok := toEvent(evt)
		if !ok {
			return
		}
		a.deliver(ctx, ev)
	})

	syncer.OnEventType(event.EventRedaction, func(ctx context.Context, evt *event.Event) {
		if ev, ok := toRedaction(evt); ok {
			a.deliver(ctx, ev)
		}
	})

	syncer.OnEventType(event.EphemeralEventReceipt, func(_ context.Context, evt *event.Event) {
		a.handleReceipt(evt)
	})
}

func (a *Adapter) handleReceipt(evt *event.Event) {
	if evt == nil {
		return
	}
	content := evt.Content.AsReceipt()
	if content == nil {
		return
	}
	roomID := evt.RoomID.String()
	for eventID, receipts := range *content {
		for rtype, users := range receipts {
			if rtype != event.ReceiptTypeRead && rtype != event.ReceiptTypeReadPrivate {
				continue
			}
			for userID := range users {
				a.receipts.AddReceipt(roomID, eventID.String(), userID.String())
			}
		}
	}
}

// deliver blocks until the consumer takes the event. Holding the sync loop
// is what keeps per-room order intact under load.
func (a *Adapter) deliver(ctx context.Context, ev transport.Event) {
	out, _ := a.out.Load().(chan<- transport.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func toEvent(evt *event.Event) (transport.Event, bool) {
	if evt == nil || evt.RoomID == "" || evt.ID == "" {
		return transport.Event{}, false
	}
	msg := evt.Content.AsMessage()
	ev := transport.Event{
		Kind:      transport.EventOther,
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		Timestamp: evt.Timestamp,
		Body:      msg.Body,
	}
	if msg.Format == event.FormatHTML {
		ev.FormattedBody = msg.FormattedBody
	}
	// Edits repeat the original body; counting them would double count.
	if msg.RelatesTo != nil && msg.RelatesTo.Type == event.RelReplace {
		return ev, true
	}
	switch msg.MsgType {
	case event.MsgText:
		// Notices are bot output and emotes are not posts; neither counts.
		ev.Kind = transport.EventText
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		ev.Kind = transport.EventMedia
		ev.MediaType = string(msg.MsgType)
	}
	return ev, true
}

// toRedaction maps m.room.redaction. Newer room versions carry the target
// in the content, older ones at the top level of the event.
func toRedaction(evt *event.Event) (transport.Event, bool) {
	if evt == nil || evt.RoomID == "" {
		return transport.Event{}, false
	}
	target := evt.Redacts
	if c := evt.Content.AsRedaction(); c != nil && c.Redacts != "" {
		target = c.Redacts
	}
	if target == "" {
		return transport.Event{}, false
	}
	return transport.Event{
		Kind:      transport.EventRedaction,
		RoomID:    evt.RoomID.String(),
		EventID:   evt.ID.String(),
		Sender:    evt.Sender.String(),
		Timestamp: evt.Timestamp,
		Redacts:   target.String(),
	}, true
}

// Start logs in (once) and runs the sync loop until Stop or ctx cancellation.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.runMu.Unlock()

	if a.UserID() == "" {
		if err := a.login(ctx); err != nil {
			return err
		}
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		// a broken sync should self-heal, not take the process down.
		rtsup.WithCancelOnError(false),
	)
	a.sup.GoRestart("matrix.sync", func(c context.Context) error {
		a.log.Info("sync started", logx.String("user_id", a.UserID()))
		err := a.client.SyncWithContext(c)
		a.log.Info("sync stopped")
		if c.Err() != nil {
			return nil
		}
		if err == nil {
			// StopSync was called outside of Stop; keep syncing.
			return errors.New("sync returned")
		}
		return err
	},
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithStopOnCleanExit(true),
	)
	return nil
}

func (a *Adapter) login(ctx context.Context) error {
	resp, err := a.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: a.cfg.Username,
		},
		Password:                 a.cfg.Password,
		InitialDeviceDisplayName: a.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	a.userID.Store(resp.UserID.String())
	a.log.Info("logged in", logx.String("user_id", resp.UserID.String()), logx.String("device_id", string(resp.DeviceID)))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	if sup != nil {
		sup.Cancel()
	}
	a.client.StopSync()
	if sup == nil {
		return nil
	}

	// Keep shutdown snappy even if the sync long poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("matrix stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("matrix stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) UserID() string {
	s, _ := a.userID.Load().(string)
	return s
}

// SendText posts an m.text message. html, when set, is sent as the
// formatted body.
func (a *Adapter) SendText(ctx context.Context, roomID, plain, html string) (string, error) {
	if a.UserID() == "" {
		return "", ErrNotLoggedIn
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    plain,
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	resp, err := a.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("matrix send: %w", err)
	}
	return resp.EventID.String(), nil
}

// Redact removes an event without a reason.
func (a *Adapter) Redact(ctx context.Context, roomID, eventID string) error {
	if a.UserID() == "" {
		return ErrNotLoggedIn
	}
	if _, err := a.client.RedactEvent(ctx, id.RoomID(roomID), id.EventID(eventID)); err != nil {
		return fmt.Errorf("matrix redact: %w", err)
	}
	return nil
}

// Receipts answers from the sync-fed tracker; the homeserver has no query
// endpoint for receipts.
func (a *Adapter) Receipts(_ context.Context, roomID, eventID string) ([]string, error) {
	return a.receipts.Readers(roomID, eventID), nil
}

// TrackedEvents reports how many events the receipt tracker holds.
func (a *Adapter) TrackedEvents() int { return a.receipts.Len() }

var (
	_ transport.Adapter       = (*Adapter)(nil)
	_ transport.Sender        = (*Adapter)(nil)
	_ transport.Redactor      = (*Adapter)(nil)
	_ transport.ReceiptSource = (*Adapter)(nil)
)
