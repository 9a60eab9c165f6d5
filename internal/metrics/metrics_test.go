package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"roombot/internal/eventbus"
	logx "roombot/pkg/logx"
)

func TestRecord(t *testing.T) {
	t.Parallel()
	m := New()
	m.Record(eventbus.Event{Data: eventbus.TriggerOutcome{Outcome: "notified"}})
	m.Record(eventbus.Event{Data: eventbus.TriggerOutcome{Outcome: "notified"}})
	m.Record(eventbus.Event{Data: eventbus.SendResult{Kind: "reply", OK: false}})
	m.Record(eventbus.Event{Data: eventbus.RedactionState{State: "done"}})
	m.Record(eventbus.Event{Data: "ignored"})

	if got := testutil.ToFloat64(m.triggerOutcomes.WithLabelValues("notified")); got != 2 {
		t.Fatalf("notified = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.actionsSent.WithLabelValues("reply", "error")); got != 1 {
		t.Fatalf("reply/error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.redactionTransitions.WithLabelValues("done")); got != 1 {
		t.Fatalf("done = %v, want 1", got)
	}
}

func TestConsumeFromBus(t *testing.T) {
	t.Parallel()
	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Consume(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.triggerOutcomes.WithLabelValues("baseline")) == 0 {
		// Publish repeatedly until the subscription is registered.
		bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerOutcome, Data: eventbus.TriggerOutcome{Outcome: "baseline"}})
		if time.Now().After(deadline) {
			t.Fatal("event never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveRooms(func() int { return 3 })
	m.ObserveWatches(func() int { return 1 })

	srv := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, m.Handler(), logx.Nop())
	srv.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}()

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never bound")
		}
		time.Sleep(5 * time.Millisecond)
		addr = srv.Addr()
	}

	body := get(t, "http://"+addr+"/metrics")
	for _, want := range []string{"roombot_rooms_active 3", "roombot_redaction_watches_active 1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if got := get(t, "http://"+addr+"/healthz"); got != "ok" {
		t.Fatalf("/healthz = %q", got)
	}
}

func TestServerDisabledOrInsecure(t *testing.T) {
	t.Parallel()
	off := NewServer(ServerConfig{Enabled: false}, New().Handler(), logx.Nop())
	off.Start(context.Background())
	if off.Addr() != "" {
		t.Fatal("disabled server bound an address")
	}
	off.Stop(context.Background())

	if isLoopbackAddr("0.0.0.0:9464") || isLoopbackAddr(":9464") {
		t.Fatal("wildcard treated as loopback")
	}
	if !isLoopbackAddr("localhost:9464") || !isLoopbackAddr("[::1]:9464") {
		t.Fatal("loopback not recognized")
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", url, resp.StatusCode)
	}
	return string(b)
}
