package grants

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store is the durable grant table. Every method is a single atomic
// statement against the database.
type Store interface {
	// UpsertGrant inserts the row or merges its constraints into the
	// existing one (see MergeConstraints).
	UpsertGrant(ctx context.Context, g *Grant) error
	UpsertPending(ctx context.Context, p *PendingGrant) error
	// DeleteGrants removes rows of a resource. An empty granteeID matches
	// every grantee; nil capabilities matches every capability.
	DeleteGrants(ctx context.Context, resourceID, granteeID string, capabilities []string) (int64, error)
	DeletePending(ctx context.Context, resourceID, email string, capabilities []string) (int64, error)
	ListGrants(ctx context.Context, resourceID string) ([]Grant, error)
	ListPending(ctx context.Context, resourceID string) ([]PendingGrant, error)
	GrantsFor(ctx context.Context, resourceID, granteeID string) ([]Grant, error)
	// ConsumeBudget increments the grant's budget counter, resetting it when
	// periodStart is newer than the stored period. Returns false when the
	// counter is already at limit for the current period.
	ConsumeBudget(ctx context.Context, resourceID, granteeID, capability string, periodStart time.Time, limit int) (bool, error)
	// ConvertPending moves every pending grant for email to userID and
	// returns the affected resource ids.
	ConvertPending(ctx context.Context, email, userID string) ([]string, error)
}

// SQLStore is the Postgres Store. Constraints live in one jsonb column so
// the upsert can merge with the || operator: keys present in the new
// document replace, keys absent are kept.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) UpsertGrant(ctx context.Context, g *Grant) error {
	doc, err := json.Marshal(g.Constraints)
	if err != nil {
		return fmt.Errorf("UpsertGrant: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grants (resource_id, grantee_id, capability, constraints, granted_by)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (resource_id, grantee_id, capability) DO UPDATE
			SET constraints = grants.constraints || EXCLUDED.constraints,
			    updated_at = now()
	`, g.ResourceID, g.GranteeID, g.Capability, string(doc), g.GrantedBy)
	if err != nil {
		return fmt.Errorf("UpsertGrant: %w", err)
	}
	return nil
}

func (s *SQLStore) UpsertPending(ctx context.Context, p *PendingGrant) error {
	doc, err := json.Marshal(p.Constraints)
	if err != nil {
		return fmt.Errorf("UpsertPending: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_grants (resource_id, email, capability, constraints, granted_by)
		VALUES ($1, lower($2), $3, $4::jsonb, $5)
		ON CONFLICT (resource_id, email, capability) DO UPDATE
			SET constraints = pending_grants.constraints || EXCLUDED.constraints
	`, p.ResourceID, p.GranteeEmail, p.Capability, string(doc), p.GrantedBy)
	if err != nil {
		return fmt.Errorf("UpsertPending: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteGrants(ctx context.Context, resourceID, granteeID string, capabilities []string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM grants
		WHERE resource_id = $1
		  AND ($2 = '' OR grantee_id = $2)
		  AND ($3::text[] IS NULL OR capability = ANY($3))
	`, resourceID, granteeID, capabilities)
	if err != nil {
		return 0, fmt.Errorf("DeleteGrants: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeletePending(ctx context.Context, resourceID, email string, capabilities []string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_grants
		WHERE resource_id = $1
		  AND ($2 = '' OR email = lower($2))
		  AND ($3::text[] IS NULL OR capability = ANY($3))
	`, resourceID, email, capabilities)
	if err != nil {
		return 0, fmt.Errorf("DeletePending: %w", err)
	}
	return res.RowsAffected()
}

const grantColumns = `resource_id, grantee_id, capability, constraints, granted_by,
	budget_used, budget_period_start, created_at, updated_at`

func (s *SQLStore) ListGrants(ctx context.Context, resourceID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM grants WHERE resource_id = $1
		ORDER BY grantee_id, capability
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("ListGrants: %w", err)
	}
	return scanGrants(rows)
}

func (s *SQLStore) GrantsFor(ctx context.Context, resourceID, granteeID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM grants WHERE resource_id = $1 AND grantee_id = $2
		ORDER BY capability
	`, resourceID, granteeID)
	if err != nil {
		return nil, fmt.Errorf("GrantsFor: %w", err)
	}
	return scanGrants(rows)
}

func scanGrants(rows *sql.Rows) ([]Grant, error) {
	defer func() { _ = rows.Close() }()
	var out []Grant
	for rows.Next() {
		var g Grant
		var doc []byte
		var periodStart sql.NullTime
		if err := rows.Scan(&g.ResourceID, &g.GranteeID, &g.Capability, &doc, &g.GrantedBy,
			&g.BudgetUsed, &periodStart, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanGrants: %w", err)
		}
		if err := json.Unmarshal(doc, &g.Constraints); err != nil {
			return nil, fmt.Errorf("scanGrants: constraints: %w", err)
		}
		if periodStart.Valid {
			t := periodStart.Time
			g.BudgetPeriodStart = &t
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListPending(ctx context.Context, resourceID string) ([]PendingGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, email, capability, constraints, granted_by, created_at
		FROM pending_grants WHERE resource_id = $1
		ORDER BY email, capability
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("ListPending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingGrant
	for rows.Next() {
		var p PendingGrant
		var doc []byte
		if err := rows.Scan(&p.ResourceID, &p.GranteeEmail, &p.Capability, &doc, &p.GrantedBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListPending: %w", err)
		}
		if err := json.Unmarshal(doc, &p.Constraints); err != nil {
			return nil, fmt.Errorf("ListPending: constraints: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) ConsumeBudget(ctx context.Context, resourceID, granteeID, capability string, periodStart time.Time, limit int) (bool, error) {
	var used int
	err := s.db.QueryRowContext(ctx, `
		UPDATE grants SET
			budget_used = CASE
				WHEN budget_period_start IS NULL OR budget_period_start < $4 THEN 1
				ELSE budget_used + 1 END,
			budget_period_start = GREATEST(COALESCE(budget_period_start, $4), $4)
		WHERE resource_id = $1 AND grantee_id = $2 AND capability = $3
		  AND (budget_period_start IS NULL OR budget_period_start < $4 OR budget_used < $5)
		RETURNING budget_used
	`, resourceID, granteeID, capability, periodStart, limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ConsumeBudget: %w", err)
	}
	return true, nil
}

func (s *SQLStore) ConvertPending(ctx context.Context, email, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH moved AS (
			DELETE FROM pending_grants WHERE email = lower($1)
			RETURNING resource_id, capability, constraints, granted_by
		)
		INSERT INTO grants (resource_id, grantee_id, capability, constraints, granted_by)
		SELECT resource_id, $2, capability, constraints, granted_by FROM moved
		ON CONFLICT (resource_id, grantee_id, capability) DO UPDATE
			SET constraints = grants.constraints || EXCLUDED.constraints,
			    updated_at = now()
		RETURNING resource_id
	`, email, userID)
	if err != nil {
		return nil, fmt.Errorf("ConvertPending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ConvertPending: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, rows.Err()
}
