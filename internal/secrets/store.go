package secrets

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists sealed values keyed by (user, resource, key).
type Store interface {
	Put(ctx context.Context, userID, resourceID, key, sealed string) error
	Delete(ctx context.Context, userID, resourceID, key string) (bool, error)
	// Sealed returns every sealed value the user has for the resource.
	Sealed(ctx context.Context, userID, resourceID string) (map[string]string, error)
	// Keys returns the connected key names per resource, sorted.
	Keys(ctx context.Context, userID string, resourceIDs []string) (map[string][]Connection, error)
}

// Connection describes a connected secret without its value.
type Connection struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Put(ctx context.Context, userID, resourceID, key, sealed string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_secrets (user_id, resource_id, key, sealed_value, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, resource_id, key)
		DO UPDATE SET sealed_value = EXCLUDED.sealed_value, updated_at = now()
	`, userID, resourceID, key, sealed)
	if err != nil {
		return fmt.Errorf("Put: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, userID, resourceID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_secrets WHERE user_id = $1 AND resource_id = $2 AND key = $3
	`, userID, resourceID, key)
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Delete: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) Sealed(ctx context.Context, userID, resourceID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, sealed_value FROM user_secrets WHERE user_id = $1 AND resource_id = $2
	`, userID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("Sealed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("Sealed: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLStore) Keys(ctx context.Context, userID string, resourceIDs []string) (map[string][]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, key, updated_at FROM user_secrets
		WHERE user_id = $1 AND ($2::text[] IS NULL OR resource_id = ANY($2))
		ORDER BY resource_id, key
	`, userID, textArray(resourceIDs))
	if err != nil {
		return nil, fmt.Errorf("Keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]Connection)
	for rows.Next() {
		var rid string
		var c Connection
		if err := rows.Scan(&rid, &c.Key, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("Keys: %w", err)
		}
		out[rid] = append(out[rid], c)
	}
	return out, rows.Err()
}

// textArray maps an empty filter to SQL NULL so the query matches everything.
func textArray(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[[3]string]memSecret
	now  func() time.Time
}

type memSecret struct {
	sealed    string
	updatedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[[3]string]memSecret), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, userID, resourceID, key, sealed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[[3]string{userID, resourceID, key}] = memSecret{sealed: sealed, updatedAt: s.now()}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, resourceID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [3]string{userID, resourceID, key}
	_, ok := s.rows[k]
	delete(s.rows, k)
	return ok, nil
}

func (s *MemoryStore) Sealed(_ context.Context, userID, resourceID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.rows {
		if k[0] == userID && k[1] == resourceID {
			out[k[2]] = v.sealed
		}
	}
	return out, nil
}

func (s *MemoryStore) Keys(_ context.Context, userID string, resourceIDs []string) (map[string][]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(resourceIDs))
	for _, id := range resourceIDs {
		want[id] = true
	}
	out := make(map[string][]Connection)
	for k, v := range s.rows {
		if k[0] != userID || (len(want) > 0 && !want[k[1]]) {
			continue
		}
		out[k[1]] = append(out[k[1]], Connection{Key: k[2], UpdatedAt: v.updatedAt})
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	}
	return out, nil
}
