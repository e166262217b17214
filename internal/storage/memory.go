package storage

import (
	"context"
	"sync"
)

// MemoryEvents keeps the most recent events in process. It serves as both
// EventWriter and CallLogReader when ClickHouse is not configured.
type MemoryEvents struct {
	mu       sync.Mutex
	capacity int
	audit    []*AuditEvent
	rankings []*RankingEvent
}

func NewMemoryEvents(capacity int) *MemoryEvents {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &MemoryEvents{capacity: capacity}
}

func (m *MemoryEvents) Write(event *AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, event)
	if len(m.audit) > m.capacity {
		m.audit = m.audit[len(m.audit)-m.capacity:]
	}
}

func (m *MemoryEvents) WriteRanking(event *RankingEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rankings = append(m.rankings, event)
	if len(m.rankings) > m.capacity {
		m.rankings = m.rankings[len(m.rankings)-m.capacity:]
	}
}

func (m *MemoryEvents) Close() {}

// Audit returns a copy of the stored audit events, oldest first.
func (m *MemoryEvents) Audit() []*AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*AuditEvent(nil), m.audit...)
}

// Rankings returns a copy of the stored ranking events, oldest first.
func (m *MemoryEvents) Rankings() []*RankingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*RankingEvent(nil), m.rankings...)
}

func (m *MemoryEvents) ListCalls(_ context.Context, q CallLogQuery) ([]CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := clampCallLimit(q.Limit)
	var out []CallLog
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audit[i]
		if e.Method != "capabilities/invoke" {
			continue
		}
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.ResourceID != "" && e.ResourceID != q.ResourceID {
			continue
		}
		if q.Since != nil && e.Timestamp.Before(*q.Since) {
			continue
		}
		out = append(out, CallLog{
			RequestID:     e.RequestID,
			Timestamp:     e.Timestamp,
			UserID:        e.UserID,
			Capability:    e.Capability,
			ResourceID:    e.ResourceID,
			Success:       e.Success,
			ErrorCode:     e.ErrorCode,
			ErrorMessage:  e.ErrorMessage,
			DurationMs:    e.DurationMs,
			InputPreview:  e.InputPreview,
			OutputPreview: e.OutputPreview,
			SessionID:     e.SessionID,
		})
	}
	return out, nil
}
