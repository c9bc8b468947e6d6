package security

import (
	"log"
	"sync"
	"time"

	"github.com/wattcoin/bounty-engine/internal/store"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

// Security event kinds emitted by the gates.
const (
	EventInvalidSignature = "webhook_invalid_signature"
	EventBlockedBan       = "blocked_ban"
	EventRateLimit        = "rate_limit"
	EventEmergencyPause   = "emergency_pause"
	EventDangerousCode    = "dangerous_code"
	EventScanFailed       = "security_scan_failed"
	EventScanHighRisk     = "security_scan_high_risk"
	EventScanPassed       = "security_scan_passed"
	EventStakeRejected    = "stake_rejected"
	EventPayoutBlocked    = "payout_blocked"
	EventPayoutExecuted   = "payout_executed"
	EventStakeReturned    = "stake_returned"
)

// maxEvents bounds the in-memory and persisted ring.
const maxEvents = 1000

// Sink receives a copy of every logged event. The websocket hub and the
// Postgres archive subscribe through this; a slow sink must not block the
// gate decision, so implementations are expected to be non-blocking.
type Sink func(models.SecurityEvent)

// EventLog is the append-only, ring-bounded audit trail of gate decisions.
// Its lock is never held across I/O: persistence happens on a snapshot.
type EventLog struct {
	store *store.Store
	mu    sync.Mutex
	seq   uint64
	ring  []models.SecurityEvent
	sinks []Sink
}

type eventsDoc struct {
	Events []models.SecurityEvent `json:"events"`
}

func NewEventLog(s *store.Store) *EventLog {
	l := &EventLog{store: s}
	var doc eventsDoc
	if s != nil && s.Load(store.FileSecurityLogs, &doc) {
		l.ring = doc.Events
		if n := len(l.ring); n > 0 {
			l.seq = l.ring[n-1].Seq
		}
	}
	return l
}

// AddSink registers a listener for future events.
func (l *EventLog) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Log appends one event. Persistence is best-effort: a failed write is
// logged and the decision proceeds.
func (l *EventLog) Log(eventType string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}

	l.mu.Lock()
	l.seq++
	ev := models.SecurityEvent{
		Seq:       l.seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Type:      eventType,
		Details:   details,
	}
	l.ring = append(l.ring, ev)
	if len(l.ring) > maxEvents {
		l.ring = l.ring[len(l.ring)-maxEvents:]
	}
	snapshot := make([]models.SecurityEvent, len(l.ring))
	copy(snapshot, l.ring)
	sinks := l.sinks
	l.mu.Unlock()

	log.Printf("[SECURITY] %s: %v", eventType, details)

	for _, s := range sinks {
		s(ev)
	}

	if l.store != nil {
		if err := l.store.Save(store.FileSecurityLogs, eventsDoc{Events: snapshot}); err != nil {
			log.Printf("[SECURITY] Failed to persist event log: %v", err)
		}
	}
}

// Recent returns up to n most recent events, newest last.
func (l *EventLog) Recent(n int) []models.SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.ring) {
		n = len(l.ring)
	}
	out := make([]models.SecurityEvent, n)
	copy(out, l.ring[len(l.ring)-n:])
	return out
}
