package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evrydayimruslin/ultralight-sub003/internal/discovery"
)

// Rating is a caller's opinion of an item.
type Rating string

const (
	RatingLike    Rating = "like"
	RatingDislike Rating = "dislike"
	RatingNone    Rating = "none"
)

func (r Rating) value() int {
	switch r {
	case RatingLike:
		return 1
	case RatingDislike:
		return -1
	}
	return 0
}

// GapStatus tracks whether someone has built what a gap asks for.
type GapStatus string

const (
	GapOpen    GapStatus = "open"
	GapClaimed GapStatus = "claimed"
	GapFilled  GapStatus = "filled"
)

// Shortcoming is one report of something a caller could not do.
type Shortcoming struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Summary    string    `json:"summary"`
	Capability string    `json:"capability,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	Severity   string    `json:"severity"`
	CreatedAt  time.Time `json:"created_at"`
}

// Gap groups shortcomings describing the same missing functionality.
type Gap struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Capability  string    `json:"capability,omitempty"`
	Status      GapStatus `json:"status"`
	ReportCount int       `json:"report_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CommunityStore holds ratings, hidden items, call counts and gaps.
type CommunityStore interface {
	SetRating(ctx context.Context, userID, itemID string, kind discovery.Kind, rating Rating) error
	SetHidden(ctx context.Context, userID, itemID string, hidden bool) error
	RecordCall(ctx context.Context, resourceID string, at time.Time) error
	AddShortcoming(ctx context.Context, s *Shortcoming) error
	// LinkGap attaches a shortcoming to a matching unfilled gap, opening a
	// new gap when none matches.
	LinkGap(ctx context.Context, s *Shortcoming) (string, error)
	ListGaps(ctx context.Context, status GapStatus, limit int) ([]Gap, error)
}

// SQLCommunityStore is the Postgres CommunityStore.
type SQLCommunityStore struct {
	db *sql.DB
}

func NewSQLCommunityStore(db *sql.DB) *SQLCommunityStore {
	return &SQLCommunityStore{db: db}
}

func (s *SQLCommunityStore) SetRating(ctx context.Context, userID, itemID string, kind discovery.Kind, rating Rating) error {
	var err error
	if rating == RatingNone {
		_, err = s.db.ExecContext(ctx, `DELETE FROM item_ratings WHERE item_id = $1 AND user_id = $2`, itemID, userID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO item_ratings (item_id, user_id, kind, rating, weight, updated_at)
			VALUES ($1, $2, $3, $4, 1.0, now())
			ON CONFLICT (item_id, user_id)
			DO UPDATE SET rating = EXCLUDED.rating, updated_at = now()
		`, itemID, userID, string(kind), rating.value())
	}
	if err != nil {
		return fmt.Errorf("SetRating: %w", err)
	}
	return nil
}

func (s *SQLCommunityStore) SetHidden(ctx context.Context, userID, itemID string, hidden bool) error {
	var err error
	if hidden {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO hidden_items (user_id, item_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, userID, itemID)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM hidden_items WHERE user_id = $1 AND item_id = $2`, userID, itemID)
	}
	if err != nil {
		return fmt.Errorf("SetHidden: %w", err)
	}
	return nil
}

func (s *SQLCommunityStore) RecordCall(ctx context.Context, resourceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_call_counts (resource_id, day, calls) VALUES ($1, $2::date, 1)
		ON CONFLICT (resource_id, day) DO UPDATE SET calls = resource_call_counts.calls + 1
	`, resourceID, at.UTC().Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("RecordCall: %w", err)
	}
	return nil
}

func (s *SQLCommunityStore) AddShortcoming(ctx context.Context, sc *Shortcoming) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shortcomings (id, user_id, summary, capability, resource_id, severity, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
	`, sc.ID, sc.UserID, sc.Summary, sc.Capability, sc.ResourceID, sc.Severity, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("AddShortcoming: %w", err)
	}
	return nil
}

func (s *SQLCommunityStore) LinkGap(ctx context.Context, sc *Shortcoming) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("LinkGap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var gapID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM gaps
		WHERE status <> 'filled'
		  AND (($2 <> '' AND capability = $2)
		       OR to_tsvector('simple', title) @@ plainto_tsquery('simple', $1))
		ORDER BY report_count DESC, created_at
		LIMIT 1
		FOR UPDATE
	`, sc.Summary, sc.Capability).Scan(&gapID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		gapID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO gaps (id, title, capability, status, report_count, created_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), 'open', 1, now(), now())
		`, gapID, gapTitle(sc.Summary), sc.Capability); err != nil {
			return "", fmt.Errorf("LinkGap: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("LinkGap: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE gaps SET report_count = report_count + 1, updated_at = now() WHERE id = $1
		`, gapID); err != nil {
			return "", fmt.Errorf("LinkGap: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE shortcomings SET gap_id = $1 WHERE id = $2`, gapID, sc.ID); err != nil {
		return "", fmt.Errorf("LinkGap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("LinkGap: %w", err)
	}
	return gapID, nil
}

func (s *SQLCommunityStore) ListGaps(ctx context.Context, status GapStatus, limit int) ([]Gap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, COALESCE(capability, ''), status, report_count, created_at, updated_at
		FROM gaps WHERE status = $1
		ORDER BY report_count DESC, updated_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("ListGaps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Gap
	for rows.Next() {
		var g Gap
		var st string
		if err := rows.Scan(&g.ID, &g.Title, &g.Capability, &st, &g.ReportCount, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListGaps: %w", err)
		}
		g.Status = GapStatus(st)
		out = append(out, g)
	}
	return out, rows.Err()
}

func gapTitle(summary string) string {
	summary = strings.TrimSpace(summary)
	if r := []rune(summary); len(r) > 120 {
		return string(r[:120])
	}
	return summary
}

// MemoryCommunityStore is an in-process CommunityStore. When given a
// discovery.MemorySource it mirrors ratings and hidden items into it.
type MemoryCommunityStore struct {
	mu           sync.Mutex
	ratings      map[string]map[string]int // item -> user -> rating
	hidden       map[string]map[string]bool
	calls        map[string]int
	shortcomings map[string]*Shortcoming
	gaps         map[string]*Gap
	links        map[string]string
	source       *discovery.MemorySource
	now          func() time.Time
}

func NewMemoryCommunityStore(source *discovery.MemorySource) *MemoryCommunityStore {
	return &MemoryCommunityStore{
		ratings:      make(map[string]map[string]int),
		hidden:       make(map[string]map[string]bool),
		calls:        make(map[string]int),
		shortcomings: make(map[string]*Shortcoming),
		gaps:         make(map[string]*Gap),
		links:        make(map[string]string),
		source:       source,
		now:          time.Now,
	}
}

func (s *MemoryCommunityStore) SetRating(_ context.Context, userID, itemID string, _ discovery.Kind, rating Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratings[itemID] == nil {
		s.ratings[itemID] = map[string]int{}
	}
	if rating == RatingNone {
		delete(s.ratings[itemID], userID)
	} else {
		s.ratings[itemID][userID] = rating.value()
	}
	if s.source != nil {
		var likes, dislikes float64
		for _, v := range s.ratings[itemID] {
			if v > 0 {
				likes++
			} else if v < 0 {
				dislikes++
			}
		}
		s.source.SetRatings(itemID, likes, dislikes)
	}
	return nil
}

func (s *MemoryCommunityStore) SetHidden(_ context.Context, userID, itemID string, hidden bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hidden[userID] == nil {
		s.hidden[userID] = map[string]bool{}
	}
	if hidden {
		s.hidden[userID][itemID] = true
	} else {
		delete(s.hidden[userID], itemID)
	}
	if s.source != nil {
		if hidden {
			s.source.Hide(userID, itemID)
		} else {
			s.source.Unhide(userID, itemID)
		}
	}
	return nil
}

// Rating returns userID's stored rating of itemID.
func (s *MemoryCommunityStore) Rating(userID, itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratings[itemID][userID]
}

// IsHidden reports whether userID hid itemID.
func (s *MemoryCommunityStore) IsHidden(userID, itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden[userID][itemID]
}

func (s *MemoryCommunityStore) RecordCall(_ context.Context, resourceID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[resourceID]++
	return nil
}

// Calls returns the recorded call count of a resource.
func (s *MemoryCommunityStore) Calls(resourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[resourceID]
}

func (s *MemoryCommunityStore) AddShortcoming(_ context.Context, sc *Shortcoming) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.shortcomings[sc.ID] = &cp
	return nil
}

func (s *MemoryCommunityStore) LinkGap(_ context.Context, sc *Shortcoming) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	words := strings.Fields(strings.ToLower(sc.Summary))

	var best *Gap
	for _, g := range s.gaps {
		if g.Status == GapFilled {
			continue
		}
		match := sc.Capability != "" && g.Capability == sc.Capability
		if !match {
			title := strings.ToLower(g.Title)
			match = len(words) > 0
			for _, w := range words {
				if !strings.Contains(title, w) {
					match = false
					break
				}
			}
		}
		if match && (best == nil || g.ReportCount > best.ReportCount) {
			best = g
		}
	}

	now := s.now()
	if best == nil {
		best = &Gap{ID: uuid.NewString(), Title: gapTitle(sc.Summary), Capability: sc.Capability, Status: GapOpen, CreatedAt: now}
		s.gaps[best.ID] = best
	}
	best.ReportCount++
	best.UpdatedAt = now
	s.links[sc.ID] = best.ID
	return best.ID, nil
}

func (s *MemoryCommunityStore) ListGaps(_ context.Context, status GapStatus, limit int) ([]Gap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Gap
	for _, g := range s.gaps {
		if g.Status == status {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReportCount != out[j].ReportCount {
			return out[i].ReportCount > out[j].ReportCount
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Shortcomings returns the stored reports.
func (s *MemoryCommunityStore) Shortcomings() []Shortcoming {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Shortcoming, 0, len(s.shortcomings))
	for _, sc := range s.shortcomings {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
