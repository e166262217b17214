package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// QuotaWindow is the rolling period a tier's quota covers.
const QuotaWindow = 7 * 24 * time.Hour

// TierQuota is the weekly invocation allowance of a tier. Hard tiers reject
// over-quota calls; soft tiers allow them and flag the overage.
type TierQuota struct {
	Limit int
	Hard  bool
}

// DefaultTierQuotas are used when configuration supplies none.
func DefaultTierQuotas() map[string]TierQuota {
	return map[string]TierQuota{
		"free": {Limit: 1000, Hard: true},
		"pro":  {Limit: 50000, Hard: false},
	}
}

// QuotaDecision is the outcome of a quota check.
type QuotaDecision struct {
	Allowed bool
	Overage bool
	Used    int
	Limit   int
	ResetAt time.Time
}

// QuotaStore counts invocations in daily buckets.
type QuotaStore interface {
	// Increment records one call on day and returns the total over the
	// QuotaWindow ending on day, including it.
	Increment(ctx context.Context, userID string, day time.Time) (int, error)
}

// Quota enforces per-tier weekly allowances.
type Quota struct {
	store QuotaStore
	tiers map[string]TierQuota
	// fallback applies to tiers not in the table.
	fallback TierQuota
	now      func() time.Time
}

func NewQuota(store QuotaStore, tiers map[string]TierQuota) *Quota {
	fallback := TierQuota{Limit: 1000, Hard: true}
	if f, ok := tiers["free"]; ok {
		fallback = f
	}
	return &Quota{store: store, tiers: tiers, fallback: fallback, now: time.Now}
}

// Check records one invocation and decides whether it may proceed.
func (q *Quota) Check(ctx context.Context, userID, tier string) (QuotaDecision, error) {
	pol, ok := q.tiers[tier]
	if !ok {
		pol = q.fallback
	}
	if pol.Limit <= 0 {
		return QuotaDecision{Allowed: true}, nil
	}

	day := q.now().UTC().Truncate(24 * time.Hour)
	used, err := q.store.Increment(ctx, userID, day)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("Quota.Check: %w", err)
	}

	d := QuotaDecision{
		Allowed: true,
		Used:    used,
		Limit:   pol.Limit,
		// The oldest bucket in the window falls out at the next midnight.
		ResetAt: day.Add(24 * time.Hour),
	}
	if used > pol.Limit {
		if pol.Hard {
			d.Allowed = false
		} else {
			d.Overage = true
		}
	}
	return d, nil
}

// SQLQuotaStore keeps daily buckets in Postgres.
type SQLQuotaStore struct {
	db *sql.DB
}

func NewSQLQuotaStore(db *sql.DB) *SQLQuotaStore {
	return &SQLQuotaStore{db: db}
}

func (s *SQLQuotaStore) Increment(ctx context.Context, userID string, day time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		WITH bump AS (
			INSERT INTO quota_buckets (user_id, day, calls)
			VALUES ($1, $2, 1)
			ON CONFLICT (user_id, day) DO UPDATE
				SET calls = quota_buckets.calls + 1
			RETURNING calls
		)
		SELECT (SELECT calls FROM bump) + COALESCE((
			SELECT SUM(calls) FROM quota_buckets
			WHERE user_id = $1 AND day > $3 AND day < $2
		), 0)
	`, userID, day, day.Add(-QuotaWindow)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("Increment: %w", err)
	}
	return total, nil
}

// MemoryQuotaStore is an in-process QuotaStore for development and tests.
type MemoryQuotaStore struct {
	mu      sync.Mutex
	buckets map[string]map[time.Time]int
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{buckets: make(map[string]map[time.Time]int)}
}

func (s *MemoryQuotaStore) Increment(_ context.Context, userID string, day time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	days, ok := s.buckets[userID]
	if !ok {
		days = make(map[time.Time]int)
		s.buckets[userID] = days
	}
	days[day]++

	cutoff := day.Add(-QuotaWindow)
	total := 0
	for d, n := range days {
		if !d.After(cutoff) {
			delete(days, d)
			continue
		}
		if !d.After(day) {
			total += n
		}
	}
	return total, nil
}
