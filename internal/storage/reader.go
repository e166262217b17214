package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// CallLogReader reads recorded gateway calls back for view_call_logs.
type CallLogReader interface {
	ListCalls(ctx context.Context, q CallLogQuery) ([]CallLog, error)
}

// CallLogQuery filters call logs. UserID or ResourceID must be set.
type CallLogQuery struct {
	UserID     string
	ResourceID string
	Since      *time.Time
	Limit      int
}

// CallLog is one recorded call as returned to callers.
type CallLog struct {
	RequestID     string    `json:"request_id"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id"`
	Capability    string    `json:"capability"`
	ResourceID    string    `json:"resource_id,omitempty"`
	Success       bool      `json:"success"`
	ErrorCode     int32     `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	DurationMs    float32   `json:"duration_ms"`
	InputPreview  string    `json:"input_preview,omitempty"`
	OutputPreview string    `json:"output_preview,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
}

const (
	defaultCallLogLimit = 50
	maxCallLogLimit     = 500
)

func clampCallLimit(n int) int {
	switch {
	case n <= 0:
		return defaultCallLogLimit
	case n > maxCallLogLimit:
		return maxCallLogLimit
	}
	return n
}

// ClickHouseReader queries the gateway_call_events table.
type ClickHouseReader struct {
	conn driver.Conn
}

func NewClickHouseReader(conn driver.Conn) *ClickHouseReader {
	return &ClickHouseReader{conn: conn}
}

// ListCalls returns the newest matching calls first.
func (r *ClickHouseReader) ListCalls(ctx context.Context, q CallLogQuery) ([]CallLog, error) {
	var conditions []string
	var args []any

	if q.UserID != "" {
		conditions = append(conditions, "user_id = @user_id")
		args = append(args, clickhouse.Named("user_id", q.UserID))
	}
	if q.ResourceID != "" {
		conditions = append(conditions, "resource_id = @resource_id")
		args = append(args, clickhouse.Named("resource_id", q.ResourceID))
	}
	if len(conditions) == 0 {
		return nil, fmt.Errorf("ListCalls: a user or resource filter is required")
	}
	if q.Since != nil {
		conditions = append(conditions, "timestamp >= @since")
		args = append(args, clickhouse.Named("since", *q.Since))
	}
	args = append(args, clickhouse.Named("limit", uint32(clampCallLimit(q.Limit))))

	query := fmt.Sprintf(
		"SELECT request_id, timestamp, user_id, capability, resource_id, "+
			"success, error_code, error_message, duration_ms, "+
			"input_preview, output_preview, session_id "+
			"FROM gateway_call_events WHERE method = 'capabilities/invoke' AND %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit",
		strings.Join(conditions, " AND "),
	)

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListCalls query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CallLog
	for rows.Next() {
		var c CallLog
		var success uint8
		if err := rows.Scan(
			&c.RequestID, &c.Timestamp, &c.UserID, &c.Capability, &c.ResourceID,
			&success, &c.ErrorCode, &c.ErrorMessage, &c.DurationMs,
			&c.InputPreview, &c.OutputPreview, &c.SessionID,
		); err != nil {
			return nil, fmt.Errorf("ListCalls scan: %w", err)
		}
		c.Success = success == 1
		out = append(out, c)
	}
	return out, rows.Err()
}
