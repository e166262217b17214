package discovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
)

// PostgresSource searches the pgvector discovery index.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// vectorLiteral renders v in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Weighted rating totals per item.
const ratingTotals = `
	SELECT item_id,
	       SUM(weight) FILTER (WHERE rating > 0) AS likes,
	       SUM(weight) FILTER (WHERE rating < 0) AS dislikes
	FROM item_ratings GROUP BY item_id`

const resourceSelect = `
	SELECT r.id, r.slug, r.name, r.description, r.owner_id,
	       r.exports, r.required_secrets, r.optional_secrets,
	       COALESCE(rt.likes, 0), COALESCE(rt.dislikes, 0), COALESCE(d.popularity, 0)`

func scanCandidates(rows *sql.Rows, withSimilarity bool) ([]Candidate, error) {
	defer func() { _ = rows.Close() }()
	var out []Candidate
	for rows.Next() {
		c := Candidate{Kind: KindResource}
		var exports, required, optional []byte
		dest := []any{&c.ID, &c.Slug, &c.Name, &c.Description, &c.OwnerID,
			&exports, &required, &optional, &c.Likes, &c.Dislikes, &c.Popularity}
		if withSimilarity {
			dest = append(dest, &c.Similarity)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for raw, into := range map[*[]byte]*[]string{&exports: &c.Exports, &required: &c.RequiredSecrets, &optional: &c.OptionalSecrets} {
			if len(*raw) == 0 {
				continue
			}
			if err := json.Unmarshal(*raw, into); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresSource) SearchResources(ctx context.Context, q Query) ([]Candidate, error) {
	if q.Embedding == nil {
		return s.textSearch(ctx, q)
	}
	rows, err := s.db.QueryContext(ctx, resourceSelect+`,
		       1 - (d.embedding <=> $1::vector) AS similarity
		FROM discovery_index d
		JOIN resources r ON r.id = d.resource_id
		LEFT JOIN (`+ratingTotals+`) rt ON rt.item_id = r.id
		WHERE r.visibility = 'public' AND NOT r.suspended AND d.embedding IS NOT NULL
		ORDER BY d.embedding <=> $1::vector
		LIMIT $2
	`, vectorLiteral(q.Embedding), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("SearchResources: %w", err)
	}
	out, err := scanCandidates(rows, true)
	if err != nil {
		return nil, fmt.Errorf("SearchResources: %w", err)
	}
	return out, nil
}

// textSearch ranks with Postgres full-text search when no embedder is set.
func (s *PostgresSource) textSearch(ctx context.Context, q Query) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, resourceSelect+`,
		       ts_rank(to_tsvector('simple', r.name || ' ' || r.description),
		               plainto_tsquery('simple', $1)) AS similarity
		FROM discovery_index d
		JOIN resources r ON r.id = d.resource_id
		LEFT JOIN (`+ratingTotals+`) rt ON rt.item_id = r.id
		WHERE r.visibility = 'public' AND NOT r.suspended
		  AND to_tsvector('simple', r.name || ' ' || r.description) @@ plainto_tsquery('simple', $1)
		ORDER BY similarity DESC
		LIMIT $2
	`, q.Text, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("textSearch: %w", err)
	}
	out, err := scanCandidates(rows, true)
	if err != nil {
		return nil, fmt.Errorf("textSearch: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) SearchPages(ctx context.Context, q Query) ([]Candidate, error) {
	var rows *sql.Rows
	var err error
	if q.Embedding != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, slug, title, owner_id, 1 - (embedding <=> $1::vector)
			FROM documents
			WHERE kind = 'page' AND visibility = 'public' AND embedding IS NOT NULL
			ORDER BY embedding <=> $1::vector
			LIMIT $2
		`, vectorLiteral(q.Embedding), q.Limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, slug, title, owner_id,
			       ts_rank(to_tsvector('simple', title || ' ' || content), plainto_tsquery('simple', $1))
			FROM documents
			WHERE kind = 'page' AND visibility = 'public'
			  AND to_tsvector('simple', title || ' ' || content) @@ plainto_tsquery('simple', $1)
			ORDER BY 5 DESC
			LIMIT $2
		`, q.Text, q.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("SearchPages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Candidate
	for rows.Next() {
		c := Candidate{Kind: KindPage}
		if err := rows.Scan(&c.ID, &c.Slug, &c.Name, &c.OwnerID, &c.Similarity); err != nil {
			return nil, fmt.Errorf("SearchPages: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresSource) Popular(ctx context.Context, limit int) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, resourceSelect+`
		FROM discovery_index d
		JOIN resources r ON r.id = d.resource_id
		LEFT JOIN (`+ratingTotals+`) rt ON rt.item_id = r.id
		WHERE r.visibility = 'public' AND NOT r.suspended
		ORDER BY d.popularity DESC, r.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("Popular: %w", err)
	}
	out, err := scanCandidates(rows, false)
	if err != nil {
		return nil, fmt.Errorf("Popular: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) Library(ctx context.Context, callerID, text string, limit int) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, resourceSelect+`
		FROM resources r
		LEFT JOIN discovery_index d ON d.resource_id = r.id
		LEFT JOIN (`+ratingTotals+`) rt ON rt.item_id = r.id
		WHERE (r.owner_id = $1
		       OR EXISTS (SELECT 1 FROM grants g WHERE g.resource_id = r.id AND g.grantee_id = $1))
		  AND ($2 = '' OR r.name ILIKE '%' || $2 || '%' OR r.slug ILIKE '%' || $2 || '%'
		       OR r.description ILIKE '%' || $2 || '%')
		ORDER BY r.updated_at DESC
		LIMIT $3
	`, callerID, text, limit)
	if err != nil {
		return nil, fmt.Errorf("Library: %w", err)
	}
	out, err := scanCandidates(rows, false)
	if err != nil {
		return nil, fmt.Errorf("Library: %w", err)
	}
	return out, nil
}

func (s *PostgresSource) Get(ctx context.Context, resourceID string) (*Candidate, error) {
	rows, err := s.db.QueryContext(ctx, resourceSelect+`
		FROM resources r
		LEFT JOIN discovery_index d ON d.resource_id = r.id
		LEFT JOIN (`+ratingTotals+`) rt ON rt.item_id = r.id
		WHERE r.id = $1
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	out, err := scanCandidates(rows, false)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *PostgresSource) Hidden(ctx context.Context, callerID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id FROM hidden_items WHERE user_id = $1`, callerID)
	if err != nil {
		return nil, fmt.Errorf("Hidden: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("Hidden: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Index maintains discovery_index rows for public resources.
type Index struct {
	db       *sql.DB
	embedder Embedder
	logger   *zap.Logger
}

func NewIndex(db *sql.DB, embedder Embedder, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{db: db, embedder: embedder, logger: logger}
}

var _ lifecycle.DiscoveryIndex = (*Index)(nil)

// IndexText is the text embedded for a resource.
func IndexText(r *lifecycle.Resource) string {
	parts := []string{r.Name, r.Description}
	if len(r.Exports) > 0 {
		parts = append(parts, "functions: "+strings.Join(r.Exports, ", "))
	}
	return strings.Join(parts, "\n")
}

// Upsert stores the resource's embedding. Without an embedder the row is
// kept with a NULL embedding so homepage and text search still see it.
func (x *Index) Upsert(ctx context.Context, r *lifecycle.Resource) error {
	var vec any
	if x.embedder != nil {
		emb, err := x.embedder.Embed(ctx, IndexText(r))
		if err != nil {
			return fmt.Errorf("Upsert: embed: %w", err)
		}
		vec = vectorLiteral(emb)
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO discovery_index (resource_id, embedding, indexed_at)
		VALUES ($1, $2::vector, now())
		ON CONFLICT (resource_id) DO UPDATE
			SET embedding = COALESCE(EXCLUDED.embedding, discovery_index.embedding),
			    indexed_at = now()
	`, r.ID, vec)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	return nil
}

func (x *Index) Remove(ctx context.Context, resourceID string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM discovery_index WHERE resource_id = $1`, resourceID); err != nil {
		return fmt.Errorf("Remove: %w", err)
	}
	return nil
}
