package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"roombot/internal/transport"
)

const (
	roomMaxMessage = 3500
	roomMaxValue   = 600
	roomMaxStack   = 900
)

type roomLine struct {
	roomID      string
	plain, html string
}

// roomSink is a zerolog.LevelWriter that forwards lines to a Matrix room
// through a background worker. Writes never block the caller: lines over
// the rate limit or past a full queue are dropped.
type roomSink struct {
	queue chan roomLine

	mu       sync.Mutex
	sender   transport.Sender
	roomID   string
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newRoomSink(sender transport.Sender, queue int) *roomSink {
	return &roomSink{sender: sender, queue: make(chan roomLine, queue), minLevel: zerolog.WarnLevel}
}

func (r *roomSink) setSender(sender transport.Sender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

func (r *roomSink) configure(cfg RoomConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomID = strings.TrimSpace(cfg.RoomID)
	r.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && r.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.done = make(chan struct{})
		go r.run(ctx, r.done)
	}
}

func (r *roomSink) close() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *roomSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-r.queue:
			r.mu.Lock()
			sender := r.sender
			r.mu.Unlock()
			if sender != nil {
				_, _ = sender.SendText(ctx, line.roomID, line.plain, line.html)
			}
		}
	}
}

func (r *roomSink) Write(p []byte) (int, error) { return r.WriteLevel(zerolog.InfoLevel, p) }

func (r *roomSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	roomID, minLevel, lim, sender := r.roomID, r.minLevel, r.limiter, r.sender
	r.mu.Unlock()

	if roomID == "" || sender == nil || level < minLevel || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	plain := formatRoomJSON(p)
	if plain == "" {
		return len(p), nil
	}
	select {
	case r.queue <- roomLine{roomID: roomID, plain: plain, html: roomHTML(plain)}:
	default:
	}
	return len(p), nil
}

// formatRoomJSON renders a zerolog JSON line as "[LEVEL] message" followed
// by one "- key=value" line per field, sorted by key. Input that is not JSON
// is sent as-is.
func formatRoomJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), roomMaxMessage)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", truncate(fmt.Sprint(m[k]), roomMaxStack))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), roomMaxValue))
	}
	return truncate(b.String(), roomMaxMessage)
}

// roomHTML wraps the plain rendering in a preformatted block so clients keep
// the field layout.
func roomHTML(plain string) string {
	head, rest, found := strings.Cut(plain, "\n")
	if !found {
		return html.EscapeString(head)
	}
	return "<b>" + html.EscapeString(head) + "</b><pre><code>" + html.EscapeString(rest) + "</code></pre>"
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	suffix := "..."
	if n < 10 {
		suffix = ""
	}
	cut := n - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
