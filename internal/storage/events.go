package storage

import "time"

// EventWriter is the interface for writing audit and ranking events.
// Write() and WriteRanking() must NEVER block the caller.
type EventWriter interface {
	Write(event *AuditEvent)
	WriteRanking(event *RankingEvent)
	Close()
}

// AuditEvent is one gateway invocation, recorded regardless of outcome.
type AuditEvent struct {
	RequestID     string
	Timestamp     time.Time
	UserID        string
	Tier          string
	Method        string
	Capability    string
	ResourceID    string
	Success       bool
	ErrorCode     int32
	ErrorMessage  string
	DurationMs    float32
	InputPreview  string // first PayloadPreviewLength runes
	OutputPreview string
	SessionID     string
	Intent        string
	QuotaOverage  bool
	Source        string // "gateway"
}

// RankingEvent records the outcome of one discovery query.
type RankingEvent struct {
	QueryID   string
	Timestamp time.Time
	UserID    string
	Query     string
	Mode      string // "search" or "homepage"
	ItemIDs   []string
	ItemKinds []string
	Scores    []float32
	Ranks     []uint16
}

// PayloadPreviewLength is the max chars stored in input/output previews.
const PayloadPreviewLength = 500

// TruncatePayload returns the first N characters (runes) of a payload for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncatePayload(payload string, maxLen int) string {
	runes := []rune(payload)
	if len(runes) <= maxLen {
		return payload
	}
	return string(runes[:maxLen])
}
