// Package schema creates the gateway's Postgres and ClickHouse tables.
package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// Version is bumped whenever postgresStatements changes.
const Version = 1

// EmbeddingDimensions matches text-embedding-3-small.
const EmbeddingDimensions = 1536

// postgresStatements are executed in order. All of them are idempotent.
var postgresStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT        NOT NULL DEFAULT '',
		tier          TEXT        NOT NULL DEFAULT 'free',
		balance_cents BIGINT      NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_email ON users(email) WHERE email <> ''`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		key_prefix TEXT PRIMARY KEY,
		key_hash   TEXT        NOT NULL,
		user_id    TEXT        NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS blobs (
		hash        TEXT PRIMARY KEY,
		compression SMALLINT NOT NULL,
		size        INTEGER  NOT NULL,
		data        BYTEA    NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_files (
		bundle_hash TEXT NOT NULL,
		path        TEXT NOT NULL,
		file_hash   TEXT NOT NULL REFERENCES blobs(hash),
		PRIMARY KEY (bundle_hash, path)
	)`,

	`CREATE TABLE IF NOT EXISTS resources (
		id               TEXT PRIMARY KEY,
		slug             TEXT        NOT NULL,
		owner_id         TEXT        NOT NULL,
		name             TEXT        NOT NULL,
		description      TEXT        NOT NULL DEFAULT '',
		visibility       TEXT        NOT NULL DEFAULT 'private',
		live_version     TEXT        NOT NULL,
		exports          JSONB       NOT NULL DEFAULT '[]',
		required_secrets JSONB       NOT NULL DEFAULT '[]',
		optional_secrets JSONB       NOT NULL DEFAULT '[]',
		download_policy  TEXT        NOT NULL DEFAULT 'owner',
		rate_limit       JSONB,
		pricing          JSONB,
		external_service JSONB,
		suspended        BOOLEAN     NOT NULL DEFAULT false,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner_id, slug)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_visibility ON resources(visibility) WHERE NOT suspended`,
	`CREATE TABLE IF NOT EXISTS resource_versions (
		resource_id      TEXT        NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		version          TEXT        NOT NULL,
		bundle_hash      TEXT        NOT NULL,
		exports          JSONB       NOT NULL DEFAULT '[]',
		required_secrets JSONB       NOT NULL DEFAULT '[]',
		optional_secrets JSONB       NOT NULL DEFAULT '[]',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (resource_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS grants (
		resource_id         TEXT        NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		grantee_id          TEXT        NOT NULL,
		capability          TEXT        NOT NULL,
		constraints         JSONB       NOT NULL DEFAULT '{}',
		granted_by          TEXT        NOT NULL,
		budget_used         INTEGER     NOT NULL DEFAULT 0,
		budget_period_start TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (resource_id, grantee_id, capability)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_grants_grantee ON grants(grantee_id)`,
	`CREATE TABLE IF NOT EXISTS pending_grants (
		resource_id TEXT        NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		email       TEXT        NOT NULL,
		capability  TEXT        NOT NULL,
		constraints JSONB       NOT NULL DEFAULT '{}',
		granted_by  TEXT        NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (resource_id, email, capability)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_grants_email ON pending_grants(email)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT        NOT NULL,
		kind       TEXT        NOT NULL,
		slug       TEXT        NOT NULL,
		title      TEXT        NOT NULL DEFAULT '',
		content    TEXT        NOT NULL DEFAULT '',
		visibility TEXT        NOT NULL DEFAULT 'private',
		embedding  vector(1536),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner_id, kind, slug)
	)`,

	`CREATE TABLE IF NOT EXISTS content_shares (
		content_id    TEXT        NOT NULL,
		kind          TEXT        NOT NULL,
		owner_id      TEXT        NOT NULL,
		grantee_id    TEXT        NOT NULL DEFAULT '',
		grantee_email TEXT        NOT NULL DEFAULT '',
		grantee_key   TEXT        NOT NULL,
		access        TEXT        NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (content_id, grantee_key)
	)`,
	`CREATE TABLE IF NOT EXISTS key_shares (
		owner_id      TEXT        NOT NULL,
		scope         TEXT        NOT NULL,
		key_pattern   TEXT        NOT NULL,
		grantee_id    TEXT        NOT NULL DEFAULT '',
		grantee_email TEXT        NOT NULL DEFAULT '',
		grantee_key   TEXT        NOT NULL,
		access        TEXT        NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (owner_id, scope, key_pattern, grantee_key)
	)`,
	`CREATE TABLE IF NOT EXISTS share_links (
		content_id TEXT PRIMARY KEY,
		kind       TEXT        NOT NULL,
		token_hash TEXT        NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS memory_entries (
		owner_id   TEXT        NOT NULL,
		scope      TEXT        NOT NULL,
		key        TEXT        NOT NULL,
		value      JSONB       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (owner_id, scope, key)
	)`,

	`CREATE TABLE IF NOT EXISTS user_secrets (
		user_id      TEXT        NOT NULL,
		resource_id  TEXT        NOT NULL,
		key          TEXT        NOT NULL,
		sealed_value TEXT        NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, resource_id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS rate_limit_windows (
		key          TEXT        NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		hits         INTEGER     NOT NULL,
		PRIMARY KEY (key, window_start)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_start ON rate_limit_windows(window_start)`,
	`CREATE TABLE IF NOT EXISTS quota_buckets (
		user_id TEXT    NOT NULL,
		day     DATE    NOT NULL,
		calls   INTEGER NOT NULL,
		PRIMARY KEY (user_id, day)
	)`,

	`CREATE TABLE IF NOT EXISTS discovery_index (
		resource_id   TEXT PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
		embedding     vector(1536),
		indexed_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		popularity    DOUBLE PRECISION NOT NULL DEFAULT 0,
		popularity_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS item_ratings (
		item_id    TEXT             NOT NULL,
		user_id    TEXT             NOT NULL,
		kind       TEXT             NOT NULL,
		rating     SMALLINT         NOT NULL,
		weight     DOUBLE PRECISION NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ      NOT NULL DEFAULT now(),
		PRIMARY KEY (item_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS hidden_items (
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		PRIMARY KEY (user_id, item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS resource_call_counts (
		resource_id TEXT    NOT NULL,
		day         DATE    NOT NULL,
		calls       INTEGER NOT NULL,
		PRIMARY KEY (resource_id, day)
	)`,

	`CREATE TABLE IF NOT EXISTS gaps (
		id           TEXT PRIMARY KEY,
		title        TEXT        NOT NULL,
		capability   TEXT,
		status       TEXT        NOT NULL DEFAULT 'open',
		report_count INTEGER     NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS shortcomings (
		id          TEXT PRIMARY KEY,
		user_id     TEXT        NOT NULL,
		summary     TEXT        NOT NULL,
		capability  TEXT,
		resource_id TEXT,
		severity    TEXT        NOT NULL,
		gap_id      TEXT REFERENCES gaps(id),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate brings db up to Version. Re-running it is a no-op.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("schema: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("schema: read version: %w", err)
	}
	if current >= Version {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range postgresStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: migrate: %w\nstatement: %s", err, stmt)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING`, Version); err != nil {
		return fmt.Errorf("schema: record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema: commit: %w", err)
	}
	return nil
}
