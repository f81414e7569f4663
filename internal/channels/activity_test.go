package channels

import (
	"testing"
	"time"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

func TestActivityTrackerRecord(t *testing.T) {
	tracker := NewActivityTracker()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tracker.RecordAt("ch-1", models.DirectionIncoming, base)
	tracker.RecordAt("ch-1", models.DirectionOutgoing, base.Add(time.Minute))
	// Out-of-order timestamps are ignored.
	tracker.RecordAt("ch-1", models.DirectionIncoming, base.Add(-time.Hour))

	entry := tracker.Get("ch-1")
	if entry.InboundAt == nil || !entry.InboundAt.Equal(base) {
		t.Errorf("InboundAt = %v, want %v", entry.InboundAt, base)
	}
	if entry.OutboundAt == nil || !entry.OutboundAt.Equal(base.Add(time.Minute)) {
		t.Errorf("OutboundAt = %v", entry.OutboundAt)
	}
	if last := entry.Last(); last == nil || !last.Equal(base.Add(time.Minute)) {
		t.Errorf("Last = %v", last)
	}

	if got := tracker.Get("ch-2"); got.Last() != nil {
		t.Errorf("unknown channel = %+v, want empty", got)
	}
}

func TestActivityTrackerIsActiveAndForget(t *testing.T) {
	tracker := NewActivityTracker()
	tracker.Record("ch-1", models.DirectionIncoming)
	tracker.RecordAt("ch-2", models.DirectionOutgoing, time.Now().Add(-2*time.Hour))

	if !tracker.IsActive("ch-1", time.Minute) {
		t.Error("ch-1 should be active")
	}
	if tracker.IsActive("ch-2", time.Hour) {
		t.Error("ch-2 should be idle")
	}

	tracker.Forget("ch-1")
	if tracker.IsActive("ch-1", time.Minute) {
		t.Error("forgotten channel still active")
	}
}

func TestActivityTrackerReturnsCopies(t *testing.T) {
	tracker := NewActivityTracker()
	at := time.Now()
	tracker.RecordAt("ch-1", models.DirectionIncoming, at)

	entry := tracker.Get("ch-1")
	moved := at.Add(time.Hour)
	entry.InboundAt = &moved

	if got := tracker.Get("ch-1").InboundAt; !got.Equal(at) {
		t.Errorf("tracker state changed through copy: %v", got)
	}
}
