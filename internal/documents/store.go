package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLStore is the Postgres Store.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const documentColumns = `id, owner_id, kind, slug, title, content, visibility, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Kind, &d.Slug, &d.Title, &d.Content,
		&d.Visibility, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLStore) Put(ctx context.Context, d *Document) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, owner_id, kind, slug, title, content, visibility)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, kind, slug) DO UPDATE
			SET title = EXCLUDED.title,
			    content = EXCLUDED.content,
			    visibility = CASE
			        WHEN documents.visibility = 'shared' AND EXCLUDED.visibility = 'private' THEN 'shared'
			        ELSE EXCLUDED.visibility END,
			    updated_at = now()
		RETURNING `+documentColumns,
		uuid.NewString(), d.OwnerID, d.Kind, d.Slug, d.Title, d.Content, d.Visibility)
	out, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("Put: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return d, nil
}

func (s *SQLStore) ListOwned(ctx context.Context, ownerID string, kind Kind) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, slug, title, '', visibility, created_at, updated_at
		FROM documents
		WHERE owner_id = $1 AND ($2 = '' OR kind = $2)
		ORDER BY updated_at DESC
	`, ownerID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("ListOwned: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("ListOwned: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetVisibility(ctx context.Context, id string, vis Visibility) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE documents SET visibility = $2, updated_at = now() WHERE id = $1`, id, vis); err != nil {
		return fmt.Errorf("SetVisibility: %w", err)
	}
	return nil
}

func (s *SQLStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	parts := make([]string, len(embedding))
	for i, f := range embedding {
		parts[i] = strconv.FormatFloat(float64(f), 'f', -1, 32)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE documents SET embedding = $2::vector WHERE id = $1`,
		id, "["+strings.Join(parts, ",")+"]"); err != nil {
		return fmt.Errorf("SetEmbedding: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*Document
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, d *Document) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, have := range s.docs {
		if have.OwnerID == d.OwnerID && have.Kind == d.Kind && have.Slug == d.Slug {
			have.Title, have.Content, have.UpdatedAt = d.Title, d.Content, now
			if !(have.Visibility == VisibilityShared && d.Visibility == VisibilityPrivate) {
				have.Visibility = d.Visibility
			}
			cp := *have
			return &cp, nil
		}
	}
	cp := *d
	cp.ID = uuid.NewString()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.docs[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListOwned(_ context.Context, ownerID string, kind Kind) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, d := range s.docs {
		if d.OwnerID == ownerID && (kind == "" || d.Kind == kind) {
			cp := *d
			cp.Content = ""
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *MemoryStore) SetVisibility(_ context.Context, id string, vis Visibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.Visibility = vis
	d.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) SetEmbedding(context.Context, string, []float32) error {
	return nil
}
