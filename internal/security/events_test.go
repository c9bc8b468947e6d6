package security

import (
	"fmt"
	"testing"

	"github.com/wattcoin/bounty-engine/pkg/models"
)

func TestEventLogRingBound(t *testing.T) {
	l := NewEventLog(nil)

	for i := 0; i < maxEvents+50; i++ {
		l.Log(EventRateLimit, map[string]any{"i": i})
	}

	all := l.Recent(0)
	if len(all) != maxEvents {
		t.Fatalf("ring holds %d events, want %d", len(all), maxEvents)
	}
	// Oldest surviving entry should be the 51st logged (seq 51).
	if all[0].Seq != 51 {
		t.Errorf("oldest surviving seq = %d, want 51", all[0].Seq)
	}
	if all[len(all)-1].Seq != maxEvents+50 {
		t.Errorf("newest seq = %d, want %d", all[len(all)-1].Seq, maxEvents+50)
	}
}

func TestEventLogRecentLimit(t *testing.T) {
	l := NewEventLog(nil)
	for i := 0; i < 10; i++ {
		l.Log(EventScanPassed, nil)
	}

	recent := l.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Recent(3) returned %d events", len(recent))
	}
	if recent[2].Seq != 10 {
		t.Errorf("last of Recent(3) has seq %d, want 10", recent[2].Seq)
	}
}

func TestEventLogSinkReceivesEvents(t *testing.T) {
	l := NewEventLog(nil)

	var got []models.SecurityEvent
	l.AddSink(func(ev models.SecurityEvent) { got = append(got, ev) })

	l.Log(EventPayoutExecuted, map[string]any{"pr_number": 7})
	l.Log(EventStakeReturned, map[string]any{"pr_number": 7})

	if len(got) != 2 {
		t.Fatalf("sink saw %d events, want 2", len(got))
	}
	if got[0].Type != EventPayoutExecuted || got[1].Type != EventStakeReturned {
		t.Errorf("sink event order wrong: %s, %s", got[0].Type, got[1].Type)
	}
}

func TestEventLogSeqResumesFromStore(t *testing.T) {
	s := newTestStore(t)

	l := NewEventLog(s)
	for i := 0; i < 5; i++ {
		l.Log(EventRateLimit, map[string]any{"n": fmt.Sprint(i)})
	}

	l2 := NewEventLog(s)
	l2.Log(EventRateLimit, nil)
	recent := l2.Recent(1)
	if recent[0].Seq != 6 {
		t.Errorf("seq after reload = %d, want 6", recent[0].Seq)
	}
}
