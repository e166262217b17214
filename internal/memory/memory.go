// Package memory is the per-user key-value store behind the memory_*
// operations.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultScope is used when a caller names no scope.
const DefaultScope = "user"

// Entry is one stored value.
type Entry struct {
	OwnerID   string          `json:"owner_id"`
	Scope     string          `json:"scope"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists entries keyed by (owner, scope, key).
type Store interface {
	Put(ctx context.Context, e *Entry) error
	// Get returns nil, nil for a missing key.
	Get(ctx context.Context, ownerID, scope, key string) (*Entry, error)
	// Query lists entries whose key starts with prefix, in key order.
	Query(ctx context.Context, ownerID, scope, prefix string, limit int) ([]Entry, error)
	Delete(ctx context.Context, ownerID, scope, key string) (bool, error)
}

// SQLStore is the Postgres Store.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Put(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (owner_id, scope, key, value)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (owner_id, scope, key) DO UPDATE
			SET value = EXCLUDED.value, updated_at = now()
	`, e.OwnerID, e.Scope, e.Key, string(e.Value))
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, ownerID, scope, key string) (*Entry, error) {
	e := Entry{OwnerID: ownerID, Scope: scope, Key: key}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value, updated_at FROM memory_entries
		WHERE owner_id = $1 AND scope = $2 AND key = $3
	`, ownerID, scope, key).Scan(&raw, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	e.Value = raw
	return &e, nil
}

func (s *SQLStore) Query(ctx context.Context, ownerID, scope, prefix string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM memory_entries
		WHERE owner_id = $1 AND scope = $2 AND starts_with(key, $3)
		ORDER BY key
		LIMIT $4
	`, ownerID, scope, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		e := Entry{OwnerID: ownerID, Scope: scope}
		var raw []byte
		if err := rows.Scan(&e.Key, &raw, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		e.Value = raw
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, ownerID, scope, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE owner_id = $1 AND scope = $2 AND key = $3`,
		ownerID, scope, key)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[[3]string]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[[3]string]Entry), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.UpdatedAt = s.now()
	s.entries[[3]string{e.OwnerID, e.Scope, e.Key}] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ownerID, scope, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[[3]string{ownerID, scope, key}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) Query(_ context.Context, ownerID, scope, prefix string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for k, e := range s.entries {
		if k[0] == ownerID && k[1] == scope && strings.HasPrefix(k[2], prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, ownerID, scope, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [3]string{ownerID, scope, key}
	_, ok := s.entries[k]
	delete(s.entries, k)
	return ok, nil
}
