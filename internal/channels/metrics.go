package channels

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Metrics holds per-adapter counters. Process-wide series are exported by
// the observability package; these back adapter health and status output.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesFailed   atomic.Uint64

	errorsByCode map[ErrorCode]*atomic.Uint64
	errorsMu     sync.RWMutex

	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	reconnectAttempts atomic.Uint64

	channelType models.ChannelType
	startTime   time.Time
}

// NewMetrics creates a new Metrics instance for a channel adapter.
func NewMetrics(channelType models.ChannelType) *Metrics {
	return &Metrics{
		errorsByCode: make(map[ErrorCode]*atomic.Uint64),
		channelType:  channelType,
		startTime:    time.Now(),
	}
}

func (m *Metrics) RecordMessageSent()      { m.messagesSent.Add(1) }
func (m *Metrics) RecordMessageReceived()  { m.messagesReceived.Add(1) }
func (m *Metrics) RecordMessageFailed()    { m.messagesFailed.Add(1) }
func (m *Metrics) RecordConnectionOpened() { m.connectionsOpened.Add(1) }
func (m *Metrics) RecordConnectionClosed() { m.connectionsClosed.Add(1) }
func (m *Metrics) RecordReconnectAttempt() { m.reconnectAttempts.Add(1) }

// RecordError increments the error counter for a specific error code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.RLock()
	counter, ok := m.errorsByCode[code]
	m.errorsMu.RUnlock()
	if !ok {
		m.errorsMu.Lock()
		if counter, ok = m.errorsByCode[code]; !ok {
			counter = &atomic.Uint64{}
			m.errorsByCode[code] = counter
		}
		m.errorsMu.Unlock()
	}
	counter.Add(1)
}

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.RLock()
	errs := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, counter := range m.errorsByCode {
		errs[code] = counter.Load()
	}
	m.errorsMu.RUnlock()

	return MetricsSnapshot{
		ChannelType:       m.channelType,
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesFailed:    m.messagesFailed.Load(),
		ErrorsByCode:      errs,
		ConnectionsOpened: m.connectionsOpened.Load(),
		ConnectionsClosed: m.connectionsClosed.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Uptime:            time.Since(m.startTime),
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	ChannelType       models.ChannelType   `json:"channel_type"`
	MessagesSent      uint64               `json:"messages_sent"`
	MessagesReceived  uint64               `json:"messages_received"`
	MessagesFailed    uint64               `json:"messages_failed"`
	ErrorsByCode      map[ErrorCode]uint64 `json:"errors_by_code,omitempty"`
	ConnectionsOpened uint64               `json:"connections_opened"`
	ConnectionsClosed uint64               `json:"connections_closed"`
	ReconnectAttempts uint64               `json:"reconnect_attempts"`
	Uptime            time.Duration        `json:"uptime"`
}
