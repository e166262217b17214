package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter writes audit and ranking events to ClickHouse asynchronously.
// Writes are non-blocking. Events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn     driver.Conn
	audit    chan *AuditEvent
	rankings chan *RankingEvent
	done     chan struct{}
	flushed  chan struct{}
	logger   *zap.Logger
}

// OpenClickHouse parses the DSN, connects and pings.
func OpenClickHouse(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	return conn, nil
}

// NewClickHouseWriter creates a ClickHouseWriter over an open connection and
// starts the background flush loop.
func NewClickHouseWriter(conn driver.Conn, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		conn:     conn,
		audit:    make(chan *AuditEvent, bufferSize),
		rankings: make(chan *RankingEvent, bufferSize/10),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
		logger:   logger,
	}

	go w.flushLoop()
	return w
}

// Write queues an audit event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *AuditEvent) {
	select {
	case w.audit <- event:
	default:
		w.logger.Warn("clickhouse audit buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// WriteRanking queues a ranking event. Same drop semantics as Write.
func (w *ClickHouseWriter) WriteRanking(event *RankingEvent) {
	select {
	case w.rankings <- event:
	default:
		w.logger.Warn("clickhouse ranking buffer full, dropping event",
			zap.String("query_id", event.QueryID),
		)
	}
}

// Close signals the flush loop to drain remaining events.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	audit := make([]*AuditEvent, 0, flushBatch)
	rankings := make([]*RankingEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.audit:
			audit = append(audit, event)
			if len(audit) >= flushBatch {
				w.flushAudit(audit)
				audit = audit[:0]
			}
		case event := <-w.rankings:
			rankings = append(rankings, event)
			if len(rankings) >= flushBatch {
				w.flushRankings(rankings)
				rankings = rankings[:0]
			}
		case <-ticker.C:
			if len(audit) > 0 {
				w.flushAudit(audit)
				audit = audit[:0]
			}
			if len(rankings) > 0 {
				w.flushRankings(rankings)
				rankings = rankings[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.audit:
					audit = append(audit, event)
				case event := <-w.rankings:
					rankings = append(rankings, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(audit) > 0 {
				w.flushAudit(audit)
			}
			if len(rankings) > 0 {
				w.flushRankings(rankings)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flushAudit(events []*AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO gateway_call_events (
			request_id, timestamp, user_id, tier, method, capability, resource_id,
			success, error_code, error_message, duration_ms,
			input_preview, output_preview, session_id, intent,
			quota_overage, source
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.RequestID,
			e.Timestamp,
			e.UserID,
			e.Tier,
			e.Method,
			e.Capability,
			e.ResourceID,
			boolToUint8(e.Success),
			e.ErrorCode,
			e.ErrorMessage,
			e.DurationMs,
			e.InputPreview,
			e.OutputPreview,
			e.SessionID,
			e.Intent,
			boolToUint8(e.QuotaOverage),
			e.Source,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func (w *ClickHouseWriter) flushRankings(events []*RankingEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO discovery_ranking_events (
			query_id, timestamp, user_id, query, mode,
			item_ids, item_kinds, scores, ranks
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare ranking batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.QueryID,
			e.Timestamp,
			e.UserID,
			e.Query,
			e.Mode,
			e.ItemIDs,
			e.ItemKinds,
			e.Scores,
			e.Ranks,
		); err != nil {
			w.logger.Error("clickhouse append ranking failed",
				zap.String("query_id", e.QueryID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse ranking batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AuditEvent) {
	w.logger.Info("gateway_call_event",
		zap.String("request_id", event.RequestID),
		zap.String("user_id", event.UserID),
		zap.String("tier", event.Tier),
		zap.String("method", event.Method),
		zap.String("capability", event.Capability),
		zap.Bool("success", event.Success),
		zap.Int32("error_code", event.ErrorCode),
		zap.Float32("duration_ms", event.DurationMs),
		zap.String("session_id", event.SessionID),
		zap.String("intent", event.Intent),
	)
}

func (w *LogWriter) WriteRanking(event *RankingEvent) {
	w.logger.Info("discovery_ranking_event",
		zap.String("query_id", event.QueryID),
		zap.String("user_id", event.UserID),
		zap.String("mode", event.Mode),
		zap.Strings("item_ids", event.ItemIDs),
		zap.Float32s("scores", event.Scores),
	)
}

func (w *LogWriter) Close() {}
