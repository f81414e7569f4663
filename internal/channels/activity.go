package channels

import (
	"sync"
	"time"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// ActivityEntry tracks the last message timestamps of a channel.
type ActivityEntry struct {
	InboundAt  *time.Time `json:"inbound_at,omitempty"`
	OutboundAt *time.Time `json:"outbound_at,omitempty"`
}

// Last returns the newer of the two timestamps, or nil.
func (e ActivityEntry) Last() *time.Time {
	switch {
	case e.InboundAt == nil:
		return e.OutboundAt
	case e.OutboundAt == nil || e.InboundAt.After(*e.OutboundAt):
		return e.InboundAt
	default:
		return e.OutboundAt
	}
}

// ActivityTracker tracks message activity per channel ID.
type ActivityTracker struct {
	mu       sync.RWMutex
	activity map[string]*ActivityEntry
}

// NewActivityTracker creates a new activity tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{activity: make(map[string]*ActivityEntry)}
}

// Record notes a message in direction dir at the current time.
func (t *ActivityTracker) Record(channelID string, dir models.Direction) {
	t.RecordAt(channelID, dir, time.Now())
}

// RecordAt notes a message at a specific time. Older timestamps never
// replace newer ones.
func (t *ActivityTracker) RecordAt(channelID string, dir models.Direction, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.activity[channelID]
	if !ok {
		entry = &ActivityEntry{}
		t.activity[channelID] = entry
	}
	ts := at
	switch dir {
	case models.DirectionIncoming:
		if entry.InboundAt == nil || ts.After(*entry.InboundAt) {
			entry.InboundAt = &ts
		}
	case models.DirectionOutgoing:
		if entry.OutboundAt == nil || ts.After(*entry.OutboundAt) {
			entry.OutboundAt = &ts
		}
	}
}

// Get returns a copy of the entry for channelID.
func (t *ActivityTracker) Get(channelID string) ActivityEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if entry, ok := t.activity[channelID]; ok {
		return *entry
	}
	return ActivityEntry{}
}

// IsActive reports whether channelID saw a message within the given window.
func (t *ActivityTracker) IsActive(channelID string, within time.Duration) bool {
	last := t.Get(channelID).Last()
	return last != nil && time.Since(*last) <= within
}

// Forget drops the entry for a removed channel.
func (t *ActivityTracker) Forget(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.activity, channelID)
}
