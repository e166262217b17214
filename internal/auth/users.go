package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// User is a row of the user directory.
type User struct {
	ID    string
	Email string
	Tier  string
}

// UserStore is the user directory.
type UserStore interface {
	// EnsureUser upserts the user and reports whether this call created it.
	EnsureUser(ctx context.Context, userID, email string) (*User, bool, error)
	// ResolveIdentity finds a user by id or email. Returns nil, nil when
	// nobody has registered under ref yet.
	ResolveIdentity(ctx context.Context, ref string) (*User, error)
}

// SQLUserStore is the Postgres-backed UserStore.
type SQLUserStore struct {
	db *sql.DB
}

func NewSQLUserStore(db *sql.DB) *SQLUserStore {
	return &SQLUserStore{db: db}
}

func (s *SQLUserStore) EnsureUser(ctx context.Context, userID, email string) (*User, bool, error) {
	var u User
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, tier)
		VALUES ($1, lower($2), 'free')
		ON CONFLICT (id) DO UPDATE
			SET email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email)
		RETURNING id, email, tier, (xmax = 0)
	`, userID, email).Scan(&u.ID, &u.Email, &u.Tier, &created)
	if err != nil {
		return nil, false, fmt.Errorf("EnsureUser: %w", err)
	}
	return &u, created, nil
}

func (s *SQLUserStore) ResolveIdentity(ctx context.Context, ref string) (*User, error) {
	query := `SELECT id, email, tier FROM users WHERE id = $1`
	if strings.Contains(ref, "@") {
		query = `SELECT id, email, tier FROM users WHERE email = lower($1)`
	}
	var u User
	err := s.db.QueryRowContext(ctx, query, ref).Scan(&u.ID, &u.Email, &u.Tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ResolveIdentity: %w", err)
	}
	return &u, nil
}

// MemoryUserStore is an in-process UserStore for tests and local development.
type MemoryUserStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*User)}
}

func (s *MemoryUserStore) EnsureUser(_ context.Context, userID, email string) (*User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		if email != "" {
			u.Email = strings.ToLower(email)
		}
		cp := *u
		return &cp, false, nil
	}
	u := &User{ID: userID, Email: strings.ToLower(email), Tier: "free"}
	s.users[userID] = u
	cp := *u
	return &cp, true, nil
}

func (s *MemoryUserStore) ResolveIdentity(_ context.Context, ref string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[ref]; ok {
		cp := *u
		return &cp, nil
	}
	if strings.Contains(ref, "@") {
		ref = strings.ToLower(ref)
		for _, u := range s.users {
			if u.Email == ref {
				cp := *u
				return &cp, nil
			}
		}
	}
	return nil, nil
}
