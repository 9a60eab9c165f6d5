package matrix

import (
	"context"
	"reflect"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"roombot/internal/transport"
	logx "roombot/pkg/logx"
)

func msgEvent(content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		RoomID:    id.RoomID("!room:x"),
		ID:        id.EventID("$ev"),
		Sender:    id.UserID("@alice:x"),
		Timestamp: 1700000000000,
		Content:   event.Content{Parsed: content},
	}
}

func TestToEventMapsMessageTypes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		content   *event.MessageEventContent
		wantKind  transport.EventKind
		wantMedia string
	}{
		{"text", &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}, transport.EventText, ""},
		{"notice", &event.MessageEventContent{MsgType: event.MsgNotice, Body: "hi"}, transport.EventOther, ""},
		{"emote", &event.MessageEventContent{MsgType: event.MsgEmote, Body: "waves"}, transport.EventOther, ""},
		{"image", &event.MessageEventContent{MsgType: event.MsgImage, Body: "a.png"}, transport.EventMedia, "m.image"},
		{"video", &event.MessageEventContent{MsgType: event.MsgVideo}, transport.EventMedia, "m.video"},
		{"location", &event.MessageEventContent{MsgType: event.MsgLocation}, transport.EventOther, ""},
		{"edit", &event.MessageEventContent{
			MsgType:   event.MsgText,
			Body:      "* hi",
			RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$orig"},
		}, transport.EventOther, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, ok := toEvent(msgEvent(tc.content))
			if !ok {
				t.Fatal("toEvent returned false")
			}
			if ev.Kind != tc.wantKind {
				t.Fatalf("Kind = %q, want %q", ev.Kind, tc.wantKind)
			}
			if ev.MediaType != tc.wantMedia {
				t.Fatalf("MediaType = %q, want %q", ev.MediaType, tc.wantMedia)
			}
			if ev.RoomID != "!room:x" || ev.EventID != "$ev" || ev.Sender != "@alice:x" || ev.Timestamp != 1700000000000 {
				t.Fatalf("ids not carried over: %+v", ev)
			}
		})
	}
}

func TestToEventKeepsHTMLOnly(t *testing.T) {
	t.Parallel()
	ev, _ := toEvent(msgEvent(&event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "> quoted\n\n.r",
		Format:        event.FormatHTML,
		FormattedBody: `<mx-reply><blockquote><a href="https://matrix.to/#/!r/$e">In reply to</a></blockquote></mx-reply>.r`,
	}))
	if ev.FormattedBody == "" {
		t.Fatal("FormattedBody dropped")
	}

	ev, _ = toEvent(msgEvent(&event.MessageEventContent{MsgType: event.MsgText, Body: "x", FormattedBody: "<b>x</b>"}))
	if ev.FormattedBody != "" {
		t.Fatalf("FormattedBody without format = %q, want empty", ev.FormattedBody)
	}

	if _, ok := toEvent(&event.Event{}); ok {
		t.Fatal("event without ids accepted")
	}
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{HomeserverURL: "https://matrix.example.org", Username: "bot", Password: "pw", ReceiptCacheSize: 8}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	for _, cfg := range []Config{
		{Username: "bot", Password: "pw"},
		{HomeserverURL: "https://hs", Password: "pw"},
		{HomeserverURL: "https://hs", Username: "bot"},
	} {
		if _, err := New(cfg, logx.Nop()); err == nil {
			t.Fatalf("New(%+v) = nil error", cfg)
		}
	}
}

func TestHandleReceiptFeedsReceipts(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	a.receipts.ObserveEvent("!room:x", "$img")
	a.receipts.ObserveEvent("!room:x", "$later")

	content := event.ReceiptEventContent{
		id.EventID("$later"): event.Receipts{
			event.ReceiptTypeRead: event.UserReceipts{
				id.UserID("@bob:x"): {},
			},
		},
	}
	a.handleReceipt(&event.Event{
		Type:    event.EphemeralEventReceipt,
		RoomID:  "!room:x",
		Content: event.Content{Parsed: &content},
	})

	got, err := a.Receipts(context.Background(), "!room:x", "$img")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"@bob:x"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Receipts = %v, want %v", got, want)
	}
	if a.TrackedEvents() != 2 {
		t.Fatalf("TrackedEvents() = %d, want 2", a.TrackedEvents())
	}
}

func TestDeliverBlocksUntilConsumed(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	out := make(chan transport.Event)
	a.out.Store((chan<- transport.Event)(out))

	done := make(chan struct{})
	go func() {
		a.deliver(context.Background(), transport.Event{EventID: "$1"})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("deliver returned before the event was consumed")
	case <-time.After(50 * time.Millisecond):
	}
	if ev := <-out; ev.EventID != "$1" {
		t.Fatalf("EventID = %q, want $1", ev.EventID)
	}
	<-done

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.deliver(ctx, transport.Event{EventID: "$2"}) // must not block
}

func TestSendBeforeLoginFails(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	if _, err := a.SendText(context.Background(), "!r", "hi", ""); err != ErrNotLoggedIn {
		t.Fatalf("SendText err = %v, want ErrNotLoggedIn", err)
	}
	if err := a.Redact(context.Background(), "!r", "$e"); err != ErrNotLoggedIn {
		t.Fatalf("Redact err = %v, want ErrNotLoggedIn", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on idle adapter: %v", err)
	}
}

func TestToRedactionReadsTarget(t *testing.T) {
	t.Parallel()
	base := func() *event.Event {
		return &event.Event{
			Type:      event.EventRedaction,
			RoomID:    id.RoomID("!room:x"),
			ID:        id.EventID("$red"),
			Sender:    id.UserID("@mod:x"),
			Timestamp: 1700000000000,
		}
	}

	inContent := base()
	inContent.Content = event.Content{Parsed: &event.RedactionEventContent{Redacts: "$img"}}
	topLevel := base()
	topLevel.Redacts = "$old"
	topLevel.Content = event.Content{Parsed: &event.RedactionEventContent{}}
	missing := base()
	missing.Content = event.Content{Parsed: &event.RedactionEventContent{}}

	for _, tc := range []struct {
		name   string
		evt    *event.Event
		wantOK bool
		want   string
	}{
		{"content", inContent, true, "$img"},
		{"top level", topLevel, true, "$old"},
		{"no target", missing, false, ""},
		{"nil", nil, false, ""},
	} {
		ev, ok := toRedaction(tc.evt)
		if ok != tc.wantOK {
			t.Fatalf("%s: ok = %v, want %v", tc.name, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if ev.Kind != transport.EventRedaction || ev.Redacts != tc.want || ev.RoomID != "!room:x" || ev.Sender != "@mod:x" {
			t.Fatalf("%s: event = %+v", tc.name, ev)
		}
	}
}
