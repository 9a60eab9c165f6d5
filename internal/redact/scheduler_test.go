package redact

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roombot/internal/eventbus"
)

type fakeReceipts struct {
	mu      sync.Mutex
	readers map[string][]string
	readAt  map[string]time.Time
	err     error
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{readers: map[string][]string{}, readAt: map[string]time.Time{}}
}

func (f *fakeReceipts) read(eventID, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readers[eventID] = append(f.readers[eventID], user)
	if _, ok := f.readAt[eventID]; !ok {
		f.readAt[eventID] = time.Now()
	}
}

func (f *fakeReceipts) Receipts(_ context.Context, _, eventID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.readers[eventID]...), nil
}

type fakeRedactor struct {
	mu   sync.Mutex
	at   map[string]time.Time
	err  error
	done chan string
}

func newFakeRedactor() *fakeRedactor {
	return &fakeRedactor{at: map[string]time.Time{}, done: make(chan string, 16)}
}

func (f *fakeRedactor) Redact(_ context.Context, _, eventID string) error {
	f.mu.Lock()
	f.at[eventID] = time.Now()
	err := f.err
	f.mu.Unlock()
	f.done <- eventID
	return err
}

func (f *fakeRedactor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.at)
}

func testOptions() Options {
	return Options{
		PollInterval:         10 * time.Millisecond,
		Delay:                200 * time.Millisecond,
		IgnoreSenderReceipts: true,
		MediaTypes:           []string{"m.image"},
	}
}

func image(id string) MediaEvent {
	return MediaEvent{RoomID: "!r", EventID: id, Sender: "@poster:x", MediaType: "m.image"}
}

// collectStates returns the redaction states published for eventID until a terminal one.
func collectStates(t *testing.T, ch <-chan eventbus.Event, eventID string) []State {
	t.Helper()
	var out []State
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			rs, ok := e.Data.(eventbus.RedactionState)
			if !ok || rs.EventID != eventID {
				continue
			}
			st := State(rs.State)
			out = append(out, st)
			if st.Terminal() {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal state, got %v", out)
		}
	}
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRedactsFullDelayAfterReceipt(t *testing.T) {
	t.Parallel()
	rc, rd := newFakeReceipts(), newFakeRedactor()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	s := New(Deps{Receipts: rc, Redactor: rd, Bus: bus}, testOptions())
	defer stop(t, s)

	if !s.Schedule(image("$img")) {
		t.Fatal("Schedule returned false")
	}
	time.AfterFunc(50*time.Millisecond, func() { rc.read("$img", "@reader:x") })

	states := collectStates(t, ch, "$img")
	want := []State{StateAwaitingReceipt, StateSleeping, StateRedacting, StateDone}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}

	rc.mu.Lock()
	readAt := rc.readAt["$img"]
	rc.mu.Unlock()
	rd.mu.Lock()
	redactAt := rd.at["$img"]
	rd.mu.Unlock()
	if gap := redactAt.Sub(readAt); gap < 200*time.Millisecond {
		t.Fatalf("redacted %v after receipt, want >= 200ms", gap)
	}
}

func TestNoReceiptNoRedaction(t *testing.T) {
	t.Parallel()
	rc, rd := newFakeReceipts(), newFakeRedactor()
	s := New(Deps{Receipts: rc, Redactor: rd}, testOptions())

	s.Schedule(image("$img"))
	time.Sleep(150 * time.Millisecond)

	active := s.Active()
	if len(active) != 1 || active[0].State != StateAwaitingReceipt {
		t.Fatalf("Active() = %+v", active)
	}
	stop(t, s)
	if rd.count() != 0 {
		t.Fatal("redacted without a receipt")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d after Stop", s.Len())
	}
}

func TestSenderReceiptIgnored(t *testing.T) {
	t.Parallel()
	rc, rd := newFakeReceipts(), newFakeRedactor()
	s := New(Deps{Receipts: rc, Redactor: rd}, testOptions())
	defer stop(t, s)

	rc.read("$img", "@poster:x")
	s.Schedule(image("$img"))
	time.Sleep(100 * time.Millisecond)
	if got := s.Active(); len(got) != 1 || got[0].State != StateAwaitingReceipt {
		t.Fatalf("sender receipt counted: %+v", got)
	}

	opts := testOptions()
	opts.IgnoreSenderReceipts = false
	opts.Delay = 0
	s.Apply(opts)
	s.Schedule(image("$own"))
	rc.read("$own", "@poster:x")
	select {
	case id := <-rd.done:
		if id != "$own" {
			t.Fatalf("redacted %q, want $own", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sender receipt should count when not ignored")
	}
}

func TestCancelDuringAwaitAndSleep(t *testing.T) {
	t.Parallel()
	rc, rd := newFakeReceipts(), newFakeRedactor()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	opts := testOptions()
	opts.Delay = time.Hour
	s := New(Deps{Receipts: rc, Redactor: rd, Bus: bus}, opts)
	defer stop(t, s)

	s.Schedule(image("$a"))
	if !s.Cancel("$a") {
		t.Fatal("Cancel($a) = false")
	}
	states := collectStates(t, ch, "$a")
	if states[len(states)-1] != StateCancelled {
		t.Fatalf("states = %v", states)
	}

	rc.read("$b", "@reader:x")
	s.Schedule(image("$b"))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if a := s.Active(); len(a) == 1 && a[0].State == StateSleeping {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch never reached sleeping: %+v", s.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Cancel("$b")
	states = collectStates(t, ch, "$b")
	if states[len(states)-1] != StateCancelled {
		t.Fatalf("states = %v", states)
	}
	if rd.count() != 0 {
		t.Fatal("cancelled watch redacted")
	}
	if s.Cancel("$missing") {
		t.Fatal("Cancel of unknown event = true")
	}
}

func TestMaxWaitExpires(t *testing.T) {
	t.Parallel()
	rc, rd := newFakeReceipts(), newFakeRedactor()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	opts := testOptions()
	opts.MaxWait = 50 * time.Millisecond
	s := New(Deps{Receipts: rc, Redactor: rd, Bus: bus}, opts)
	defer stop(t, s)

	s.Schedule(image("$img"))
	for {
		select {
		case e := <-ch:
			rs := e.Data.(eventbus.RedactionState)
			if State(rs.State) == StateCancelled {
				if rs.Reason != ReasonExpired {
					t.Fatalf("reason = %q, want %q", rs.Reason, ReasonExpired)
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("watch did not expire")
		}
	}
}

func TestRedactFailureIsTerminal(t *testing.T) {
	t.Parallel()
	rc, rd := newFakeReceipts(), newFakeRedactor()
	rd.err = errors.New("forbidden")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	opts := testOptions()
	opts.Delay = 0
	s := New(Deps{Receipts: rc, Redactor: rd, Bus: bus}, opts)
	defer stop(t, s)

	rc.read("$img", "@reader:x")
	s.Schedule(image("$img"))
	states := collectStates(t, ch, "$img")
	if states[len(states)-1] != StateFailed {
		t.Fatalf("states = %v", states)
	}
	if rd.count() != 1 {
		t.Fatalf("redact calls = %d, want 1 (no retry)", rd.count())
	}
}

func TestScheduleFilters(t *testing.T) {
	t.Parallel()
	s := New(Deps{Receipts: newFakeReceipts(), Redactor: newFakeRedactor()}, testOptions())

	if s.Schedule(MediaEvent{RoomID: "!r", EventID: "$v", MediaType: "m.video"}) {
		t.Fatal("m.video scheduled with default media types")
	}
	if !s.Schedule(image("$img")) {
		t.Fatal("first schedule rejected")
	}
	if s.Schedule(image("$img")) {
		t.Fatal("duplicate scheduled")
	}
	stop(t, s)
	if s.Schedule(image("$late")) {
		t.Fatal("scheduled after Stop")
	}
}

func TestReceiptErrorsAreRetried(t *testing.T) {
	t.Parallel()
	rc, rd := newFakeReceipts(), newFakeRedactor()
	rc.err = errors.New("timeout")
	opts := testOptions()
	opts.Delay = 0
	s := New(Deps{Receipts: rc, Redactor: rd}, opts)
	defer stop(t, s)

	s.Schedule(image("$img"))
	time.Sleep(50 * time.Millisecond)
	rc.mu.Lock()
	rc.err = nil
	rc.mu.Unlock()
	rc.read("$img", "@reader:x")

	select {
	case <-rd.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not recover after receipt errors")
	}
}

type panickyReceipts struct {
	*fakeReceipts
	panicOn string
}

func (p panickyReceipts) Receipts(ctx context.Context, roomID, eventID string) ([]string, error) {
	if eventID == p.panicOn {
		panic("boom")
	}
	return p.fakeReceipts.Receipts(ctx, roomID, eventID)
}

func TestPanicEndsOnlyItsWatch(t *testing.T) {
	t.Parallel()
	rc, rd := newFakeReceipts(), newFakeRedactor()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	opts := testOptions()
	opts.Delay = 0
	s := New(Deps{Receipts: panickyReceipts{fakeReceipts: rc, panicOn: "$bad"}, Redactor: rd, Bus: bus}, opts)

	s.Schedule(image("$bad"))
	states := collectStates(t, ch, "$bad")
	if got := states[len(states)-1]; got != StateFailed {
		t.Fatalf("states = %v, want to end in failed", states)
	}

	rc.read("$good", "@reader:x")
	if !s.Schedule(image("$good")) {
		t.Fatal("scheduler refused work after a watch panicked")
	}
	select {
	case id := <-rd.done:
		if id != "$good" {
			t.Fatalf("redacted %q, want $good", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy watch not redacted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil after a recovered panic", err)
	}
}
