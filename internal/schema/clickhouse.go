package schema

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var clickhouseStatements = []string{
	`CREATE TABLE IF NOT EXISTS gateway_call_events (
		request_id     String,
		timestamp      DateTime64(3, 'UTC'),
		user_id        String,
		tier           LowCardinality(String),
		method         LowCardinality(String),
		capability     LowCardinality(String),
		resource_id    String,
		success        UInt8,
		error_code     Int32,
		error_message  String,
		duration_ms    Float32,
		input_preview  String,
		output_preview String,
		session_id     String,
		intent         String,
		quota_overage  UInt8,
		source         LowCardinality(String)
	)
	ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (user_id, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 90 DAY`,

	`CREATE TABLE IF NOT EXISTS discovery_ranking_events (
		query_id   String,
		timestamp  DateTime64(3, 'UTC'),
		user_id    String,
		query      String,
		mode       LowCardinality(String),
		item_ids   Array(String),
		item_kinds Array(LowCardinality(String)),
		scores     Array(Float32),
		ranks      Array(UInt16)
	)
	ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (timestamp, query_id)
	TTL toDateTime(timestamp) + INTERVAL 30 DAY`,
}

// MigrateClickHouse creates the analytics tables.
func MigrateClickHouse(ctx context.Context, conn driver.Conn) error {
	for _, stmt := range clickhouseStatements {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema: clickhouse migrate: %w\nstatement: %s", err, stmt)
		}
	}
	return nil
}
