package app

import (
	"context"
	"time"

	"roombot/internal/eventbus"
	"roombot/internal/redact"
	"roombot/internal/storage"
	"roombot/internal/trigger"
	logx "roombot/pkg/logx"
)

// auditEntry maps a bus event to the audit record it produces, if any.
// Only captures, sends and finished redactions are recorded.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch d := e.Data.(type) {
	case eventbus.TriggerOutcome:
		if d.Outcome != string(trigger.OutcomeCaptured) {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{At: at, Kind: storage.KindCapture, RoomID: d.RoomID, EventID: d.EventID, Detail: d.Link}, true
	case eventbus.SendResult:
		kind := storage.KindNotify
		if d.Kind == string(trigger.ActionReply) {
			kind = storage.KindReply
		}
		state := "ok"
		if !d.OK {
			state = "failed"
		}
		return storage.AuditEntry{At: at, Kind: kind, RoomID: d.RoomID, State: state, Error: d.Err}, true
	case eventbus.RedactionState:
		if !redact.State(d.State).Terminal() {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{At: at, Kind: storage.KindRedaction, RoomID: d.RoomID, EventID: d.EventID, State: d.State, Detail: d.Reason}, true
	}
	return storage.AuditEntry{}, false
}

// runAudit writes audit entries until ctx is done. Write errors are logged
// and the entry is dropped.
func runAudit(ctx context.Context, bus eventbus.Bus, store storage.Store, log logx.Logger) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := store.AppendAudit(wctx, entry); err != nil {
				log.Warn("audit write failed", logx.String("kind", entry.Kind), logx.Err(err))
			}
			cancel()
		}
	}
}
