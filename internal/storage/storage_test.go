package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTruncatePayload(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo wörld", 4, "héll"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := TruncatePayload(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncatePayload(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}

	long := strings.Repeat("界", PayloadPreviewLength+10)
	if got := []rune(TruncatePayload(long, PayloadPreviewLength)); len(got) != PayloadPreviewLength {
		t.Errorf("expected %d runes, got %d", PayloadPreviewLength, len(got))
	}
}

func TestLogWriter_DoesNotPanic(t *testing.T) {
	w := NewLogWriter(zap.NewNop())
	w.Write(&AuditEvent{RequestID: "r1", Method: "initialize"})
	w.WriteRanking(&RankingEvent{QueryID: "q1", ItemIDs: []string{"a"}, Scores: []float32{0.5}})
	w.Close()
}

func TestMemoryEvents_ListCalls(t *testing.T) {
	m := NewMemoryEvents(3)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Write(&AuditEvent{RequestID: "old", Method: "capabilities/invoke", UserID: "u1", Timestamp: base})
	m.Write(&AuditEvent{RequestID: "a", Method: "capabilities/invoke", UserID: "u1", ResourceID: "r1", Timestamp: base.Add(time.Minute), Success: true})
	m.Write(&AuditEvent{RequestID: "list", Method: "capabilities/list", UserID: "u1", Timestamp: base.Add(2 * time.Minute)})
	m.Write(&AuditEvent{RequestID: "b", Method: "capabilities/invoke", UserID: "u2", ResourceID: "r1", Timestamp: base.Add(3 * time.Minute)})

	if n := len(m.Audit()); n != 3 {
		t.Fatalf("expected capacity to cap at 3, got %d", n)
	}

	calls, _ := m.ListCalls(context.Background(), CallLogQuery{ResourceID: "r1"})
	if len(calls) != 2 || calls[0].RequestID != "b" || calls[1].RequestID != "a" {
		t.Fatalf("expected newest-first [b a], got %+v", calls)
	}

	since := base.Add(2 * time.Minute)
	calls, _ = m.ListCalls(context.Background(), CallLogQuery{UserID: "u1", Since: &since})
	if len(calls) != 0 {
		t.Errorf("expected no u1 invokes after %v, got %+v", since, calls)
	}

	calls, _ = m.ListCalls(context.Background(), CallLogQuery{UserID: "u1"})
	if len(calls) != 1 || !calls[0].Success {
		t.Errorf("unexpected u1 calls %+v", calls)
	}
}

func TestClampCallLimit(t *testing.T) {
	if clampCallLimit(0) != defaultCallLogLimit || clampCallLimit(10_000) != maxCallLogLimit || clampCallLimit(7) != 7 {
		t.Error("unexpected clamping")
	}
}
