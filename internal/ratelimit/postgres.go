package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// PostgresLimiter approximates a sliding window across gateway replicas by
// weighting the previous fixed window's count by its remaining overlap.
type PostgresLimiter struct {
	db       *sql.DB
	policies Policies
	now      func() time.Time
}

func NewPostgresLimiter(db *sql.DB, policies Policies) *PostgresLimiter {
	return &PostgresLimiter{db: db, policies: policies, now: time.Now}
}

func (l *PostgresLimiter) Allow(ctx context.Context, identity, method string) (Decision, error) {
	pol := l.policies.For(method)
	if pol.Limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now().UTC()
	start := now.Truncate(pol.Window)
	prevStart := start.Add(-pol.Window)
	key := identity + ":" + method

	var current, previous int
	err := l.db.QueryRowContext(ctx, `
		WITH bump AS (
			INSERT INTO rate_limit_windows (key, window_start, hits)
			VALUES ($1, $2, 1)
			ON CONFLICT (key, window_start) DO UPDATE
				SET hits = rate_limit_windows.hits + 1
			RETURNING hits
		)
		SELECT
			(SELECT hits FROM bump),
			COALESCE((SELECT hits FROM rate_limit_windows WHERE key = $1 AND window_start = $3), 0)
	`, key, start, prevStart).Scan(&current, &previous)
	if err != nil {
		return Decision{}, fmt.Errorf("PostgresLimiter.Allow: %w", err)
	}

	return weightedDecision(pol, now, start, current, previous), nil
}

// Prune deletes windows older than two of the longest configured windows.
func (l *PostgresLimiter) Prune(ctx context.Context) (int64, error) {
	longest := l.policies.Default.Window
	for _, p := range l.policies.ByMethod {
		if p.Window > longest {
			longest = p.Window
		}
	}
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start < $1`,
		l.now().UTC().Add(-2*longest))
	if err != nil {
		return 0, fmt.Errorf("Prune: %w", err)
	}
	return res.RowsAffected()
}

// weightedDecision estimates hits in the trailing window ending at now.
// current includes the hit being decided.
func weightedDecision(pol Policy, now, start time.Time, current, previous int) Decision {
	elapsed := now.Sub(start)
	weight := 1 - float64(elapsed)/float64(pol.Window)
	estimate := int(math.Floor(float64(previous)*weight)) + current

	d := Decision{Limit: pol.Limit, ResetAt: start.Add(pol.Window)}
	if estimate > pol.Limit {
		return d
	}
	d.Allowed = true
	d.Remaining = pol.Limit - estimate
	return d
}
