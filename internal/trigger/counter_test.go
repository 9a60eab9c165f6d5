package trigger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

const base = int64(1_700_000_000_000)

func shorts(room string, tsMS int64) TextEvent {
	return TextEvent{RoomID: room, Sender: "@u:x", Body: "look https://youtube.com/shorts/abc", Timestamp: tsMS}
}

func newTestCounter(t *testing.T, opts Options) *Counter {
	t.Helper()
	c, err := NewCounter(opts)
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	return c
}

func TestScenarioFirstThenSecondTrigger(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())

	act, out := c.OnTextEvent(shorts("!r", base))
	if act != nil || out != OutcomeBaseline {
		t.Fatalf("first trigger = (%v, %s), want (nil, baseline)", act, out)
	}

	act, out = c.OnTextEvent(shorts("!r", base+100_000))
	if out != OutcomeNotified || act == nil {
		t.Fatalf("second trigger outcome = %s", out)
	}
	if act.Elapsed != 100 || act.Count != 2 {
		t.Fatalf("elapsed/count = %d/%d, want 100/2", act.Elapsed, act.Count)
	}
	want := "<del>100</del> 0 seconds without posting Shorts<br>You've posted Shorts 2 times in the past day!"
	if act.HTML != want {
		t.Fatalf("HTML = %q, want %q", act.HTML, want)
	}
	if act.Kind != ActionNotify || act.RoomID != "!r" {
		t.Fatalf("unexpected action %+v", act)
	}

	snap, ok := c.Snapshot("!r")
	if !ok || snap.LastTrigger != base+100_000 || len(snap.History) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestScenarioWindowReset(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())
	c.OnTextEvent(shorts("!r", base))

	act, _ := c.OnTextEvent(shorts("!r", base+90_000_000))
	if act == nil {
		t.Fatal("expected notification")
	}
	if act.Elapsed != 90000 || act.Count != 1 {
		t.Fatalf("elapsed/count = %d/%d, want 90000/1", act.Elapsed, act.Count)
	}
	want := "<del>90000</del> 0 seconds without posting Shorts<br>This is the first time you've posted Shorts in the past day!"
	if act.HTML != want {
		t.Fatalf("HTML = %q", act.HTML)
	}
}

func TestWindowLowerEdgeIsExclusive(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())
	c.OnTextEvent(shorts("!r", base))

	// Exactly one window later: the earlier entry sits on the cutoff and is excluded.
	act, _ := c.OnTextEvent(shorts("!r", base+DefaultWindow.Milliseconds()))
	if act == nil || act.Count != 1 {
		t.Fatalf("count at window edge = %+v, want 1", act)
	}
}

func TestCountMatchesDefinition(t *testing.T) {
	t.Parallel()
	window := time.Hour
	c := newTestCounter(t, Options{Window: window})

	offsetsSec := []int64{0, 10, 20, 1800, 3599, 3600, 3610, 7300, 7301, 20000}
	ts := make([]int64, len(offsetsSec))
	for i, o := range offsetsSec {
		ts[i] = base + o*1000
	}

	for k, tk := range ts {
		act, out := c.OnTextEvent(shorts("!r", tk))
		if k == 0 {
			if act != nil {
				t.Fatal("first event must be silent")
			}
			continue
		}
		want := 1
		for _, ti := range ts[:k] {
			if tk-ti < window.Milliseconds() {
				want++
			}
		}
		if out != OutcomeNotified || act.Count != want {
			t.Fatalf("event %d count = %d, want %d", k, act.Count, want)
		}
		if first := act.Count == 1; first != strings.Contains(act.HTML, "This is the first time") {
			t.Fatalf("event %d firstToday mismatch: %q", k, act.HTML)
		}
		if wantElapsed := (tk - ts[k-1]) / 1000; act.Elapsed != wantElapsed {
			t.Fatalf("event %d elapsed = %d, want %d", k, act.Elapsed, wantElapsed)
		}
	}
}

func TestReplyLinkCaptureAndCommand(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())

	// .r before any capture: nothing.
	if act, out := c.OnTextEvent(TextEvent{RoomID: "!r", Body: ".r"}); act != nil || out != OutcomeIgnored {
		t.Fatalf(".r before capture = (%v, %s)", act, out)
	}

	reply := func(link string) TextEvent {
		return TextEvent{
			RoomID:        "!r",
			Body:          "> quoted\n\nanswer",
			FormattedBody: fmt.Sprintf(`<mx-reply><blockquote><a href="%s">In reply to</a> <a href="x">@a</a></blockquote></mx-reply>answer`, link),
		}
	}
	if act, out := c.OnTextEvent(reply("https://matrix.to/#/!r/$one")); act != nil || out != OutcomeCaptured {
		t.Fatalf("capture = (%v, %s)", act, out)
	}
	c.OnTextEvent(reply("https://matrix.to/#/!r/$two"))

	act, out := c.OnTextEvent(TextEvent{RoomID: "!r", Body: ".r"})
	if out != OutcomeReplied || act == nil {
		t.Fatalf(".r outcome = %s", out)
	}
	if act.Kind != ActionReply || act.Body != "https://matrix.to/#/!r/$two" || act.HTML != "" {
		t.Fatalf("reply action = %+v", act)
	}

	// Echo does not touch trigger state.
	if snap, _ := c.Snapshot("!r"); snap.LastTrigger != 0 || len(snap.History) != 0 {
		t.Fatalf("trigger state mutated: %+v", snap)
	}
}

func TestCapturePrecedesMonitoredContent(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())
	ev := shorts("!r", base)
	ev.FormattedBody = `<mx-reply><blockquote><a href="https://l">In reply to</a></blockquote></mx-reply>youtube.com/shorts/x`

	if _, out := c.OnTextEvent(ev); out != OutcomeCaptured {
		t.Fatalf("outcome = %s, want captured", out)
	}
	if snap, _ := c.Snapshot("!r"); snap.LastTrigger != 0 {
		t.Fatal("capture must not record a trigger")
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())
	c.OnTextEvent(shorts("!a", base))
	if act, out := c.OnTextEvent(shorts("!b", base+1000)); act != nil || out != OutcomeBaseline {
		t.Fatalf("room b first trigger = (%v, %s)", act, out)
	}
	if rooms := c.Rooms(); len(rooms) != 2 || rooms[0].RoomID != "!a" {
		t.Fatalf("Rooms() = %+v", rooms)
	}
}

func TestMissingTimestampUsesClock(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(base)
	c, err := NewCounter(DefaultOptions(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatal(err)
	}
	c.OnTextEvent(shorts("!r", 0))
	now = now.Add(42 * time.Second)
	act, _ := c.OnTextEvent(shorts("!r", 0))
	if act == nil || act.Elapsed != 42 {
		t.Fatalf("action = %+v, want elapsed 42", act)
	}
}

func TestOlderTimestampKeepsHistoryAscending(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())
	c.OnTextEvent(shorts("!r", base+5000))
	act, _ := c.OnTextEvent(shorts("!r", base))
	if act == nil || act.Elapsed != 0 {
		t.Fatalf("action = %+v, want elapsed 0", act)
	}
	snap, _ := c.Snapshot("!r")
	for i := 1; i < len(snap.History); i++ {
		if snap.History[i] < snap.History[i-1] {
			t.Fatalf("history not ascending: %v", snap.History)
		}
	}
}

func TestPruneKeepsNewestAndCounts(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, Options{Window: time.Hour})
	for _, o := range []int64{0, 60, 7200, 7260} {
		c.OnTextEvent(shorts("!r", base+o*1000))
	}
	if n := c.Prune(time.UnixMilli(base + 7300*1000)); n != 2 {
		t.Fatalf("Prune removed %d, want 2", n)
	}
	snap, _ := c.Snapshot("!r")
	if len(snap.History) != 2 || snap.LastTrigger != snap.History[1] {
		t.Fatalf("snapshot after prune = %+v", snap)
	}

	// Everything old: only the newest survives.
	if n := c.Prune(time.UnixMilli(base + 100_000*1000)); n != 1 {
		t.Fatalf("second Prune removed %d, want 1", n)
	}
	snap, _ = c.Snapshot("!r")
	if len(snap.History) != 1 || snap.LastTrigger != base+7260*1000 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPruneHonoursWidestAppliedWindow(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, Options{Window: time.Hour})
	for _, o := range []int64{0, 60, 120} {
		c.OnTextEvent(shorts("!r", base+o*1000))
	}
	if err := c.Apply(Options{Window: 10 * time.Second}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n := c.Prune(time.UnixMilli(base + 600*1000)); n != 0 {
		t.Fatalf("Prune removed %d, want 0", n)
	}
	if err := c.Apply(Options{Window: time.Hour}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	act, _ := c.OnTextEvent(shorts("!r", base+700*1000))
	if act == nil || act.Count != 4 {
		t.Fatalf("action = %+v, want count 4", act)
	}
}

func TestApplyKeepsOldOptionsOnError(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())
	if err := c.Apply(Options{Pattern: "("}); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("Apply err = %v, want ErrInvalidPattern", err)
	}
	if _, out := c.OnTextEvent(shorts("!r", base)); out != OutcomeBaseline {
		t.Fatalf("old pattern lost, outcome = %s", out)
	}

	if err := c.Apply(Options{Pattern: `tiktok\.com`, Mode: ModeMinimal}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, out := c.OnTextEvent(shorts("!r", base+1000)); out != OutcomeIgnored {
		t.Fatalf("outcome = %s, want ignored", out)
	}
	act, _ := c.OnTextEvent(TextEvent{RoomID: "!r", Body: "tiktok.com/v", Timestamp: base + 3000})
	if act == nil || act.HTML != "<del>3</del> 0 seconds" {
		t.Fatalf("minimal action = %+v", act)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"defaults", Options{}, nil},
		{"bad_pattern", Options{Pattern: "[a"}, ErrInvalidPattern},
		{"no_group", Options{ReplyLinkPattern: "In reply to"}, ErrInvalidPattern},
		{"bad_template", Options{Template: "{{"}, ErrInvalidTemplate},
		{"short_window", Options{Window: time.Millisecond}, ErrInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.opts)
			if tt.want == nil && err != nil {
				t.Fatalf("Validate = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConcurrentEventsSameRoom(t *testing.T) {
	t.Parallel()
	c := newTestCounter(t, DefaultOptions())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.OnTextEvent(shorts("!r", base+int64(i)*1000))
		}(i)
	}
	wg.Wait()
	snap, _ := c.Snapshot("!r")
	if len(snap.History) != 50 || snap.LastTrigger != snap.History[49] {
		t.Fatalf("history len = %d, last = %d", len(snap.History), snap.LastTrigger)
	}
}
