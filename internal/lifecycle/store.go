package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store persists resources and their versions. Each method is one atomic
// statement.
type Store interface {
	// Get returns nil, nil for an unknown id.
	Get(ctx context.Context, resourceID string) (*Resource, error)
	// Create inserts the resource together with its first version.
	Create(ctx context.Context, r *Resource, v *Version) error
	AppendVersion(ctx context.Context, v *Version) error
	// GetVersion returns nil, nil for an unknown version.
	GetVersion(ctx context.Context, resourceID, version string) (*Version, error)
	// SetLive points the resource at v and copies v's exports and secrets.
	SetLive(ctx context.Context, v *Version) error
	SetVisibility(ctx context.Context, resourceID string, vis Visibility) error
	SetDownloadPolicy(ctx context.Context, resourceID string, p DownloadPolicy) error
	SetExternalService(ctx context.Context, resourceID string, svc *ExternalService) error
	SetRateLimit(ctx context.Context, resourceID string, rl *RateLimit) error
	SetPricing(ctx context.Context, resourceID string, p *Pricing) error
	ListOwned(ctx context.Context, ownerID string) ([]Resource, error)
}

// SQLStore is the Postgres Store.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const resourceColumns = `r.id, r.slug, r.owner_id, r.name, r.description, r.visibility,
	r.live_version, r.exports, r.required_secrets, r.optional_secrets,
	r.download_policy, r.rate_limit, r.pricing, r.external_service,
	r.created_at, r.updated_at,
	COALESCE((SELECT json_agg(v.version ORDER BY v.created_at)
	          FROM resource_versions v WHERE v.resource_id = r.id), '[]')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*Resource, error) {
	var r Resource
	var exports, required, optional, versions []byte
	var rateLimit, pricing, external []byte
	if err := row.Scan(&r.ID, &r.Slug, &r.OwnerID, &r.Name, &r.Description, &r.Visibility,
		&r.LiveVersion, &exports, &required, &optional,
		&r.DownloadPolicy, &rateLimit, &pricing, &external,
		&r.CreatedAt, &r.UpdatedAt, &versions); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw  []byte
		dest any
	}{
		{exports, &r.Exports},
		{required, &r.RequiredSecrets},
		{optional, &r.OptionalSecrets},
		{versions, &r.Versions},
		{rateLimit, &r.RateLimit},
		{pricing, &r.Pricing},
		{external, &r.ExternalService},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dest); err != nil {
			return nil, fmt.Errorf("scanResource: %w", err)
		}
	}
	return &r, nil
}

func (s *SQLStore) Get(ctx context.Context, resourceID string) (*Resource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources r WHERE r.id = $1`, resourceID)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return r, nil
}

func (s *SQLStore) ListOwned(ctx context.Context, ownerID string) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resourceColumns+` FROM resources r
		WHERE r.owner_id = $1
		ORDER BY r.updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ListOwned: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("ListOwned: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// jsonOrNull encodes v, mapping a nil pointer to SQL NULL.
func jsonOrNull(v any, isNil bool) any {
	if isNil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func (s *SQLStore) Create(ctx context.Context, r *Resource, v *Version) error {
	_, err := s.db.ExecContext(ctx, `
		WITH res AS (
			INSERT INTO resources (id, slug, owner_id, name, description, visibility,
				live_version, exports, required_secrets, optional_secrets, download_policy)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10::jsonb, $11)
			RETURNING id
		)
		INSERT INTO resource_versions (resource_id, version, bundle_hash, exports,
			required_secrets, optional_secrets)
		SELECT id, $7, $12, $8::jsonb, $9::jsonb, $10::jsonb FROM res
	`, r.ID, r.Slug, r.OwnerID, r.Name, r.Description, r.Visibility,
		v.Version, jsonList(v.Exports), jsonList(v.RequiredSecrets), jsonList(v.OptionalSecrets),
		r.DownloadPolicy, v.BundleHash)
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendVersion(ctx context.Context, v *Version) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_versions (resource_id, version, bundle_hash, exports,
			required_secrets, optional_secrets)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb)
	`, v.ResourceID, v.Version, v.BundleHash,
		jsonList(v.Exports), jsonList(v.RequiredSecrets), jsonList(v.OptionalSecrets))
	if isUniqueViolation(err) {
		return ErrVersionExists
	}
	if err != nil {
		return fmt.Errorf("AppendVersion: %w", err)
	}
	return nil
}

func (s *SQLStore) GetVersion(ctx context.Context, resourceID, version string) (*Version, error) {
	var v Version
	var exports, required, optional []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT resource_id, version, bundle_hash, exports, required_secrets, optional_secrets, created_at
		FROM resource_versions WHERE resource_id = $1 AND version = $2
	`, resourceID, version).Scan(&v.ResourceID, &v.Version, &v.BundleHash,
		&exports, &required, &optional, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetVersion: %w", err)
	}
	for raw, dest := range map[*[]byte]*[]string{&exports: &v.Exports, &required: &v.RequiredSecrets, &optional: &v.OptionalSecrets} {
		if err := json.Unmarshal(*raw, dest); err != nil {
			return nil, fmt.Errorf("GetVersion: %w", err)
		}
	}
	return &v, nil
}

// SetLive only moves the pointer to a version that exists; the join makes
// the live-pointer invariant hold even against a concurrent caller.
func (s *SQLStore) SetLive(ctx context.Context, v *Version) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE resources r SET
			live_version = v.version,
			exports = v.exports,
			required_secrets = v.required_secrets,
			optional_secrets = v.optional_secrets,
			updated_at = now()
		FROM resource_versions v
		WHERE r.id = $1 AND v.resource_id = r.id AND v.version = $2
	`, v.ResourceID, v.Version)
	if err != nil {
		return fmt.Errorf("SetLive: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("SetLive: version %s of %s not found", v.Version, v.ResourceID)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLStore) SetVisibility(ctx context.Context, resourceID string, vis Visibility) error {
	return s.exec(ctx, "SetVisibility",
		`UPDATE resources SET visibility = $2, updated_at = now() WHERE id = $1`, resourceID, vis)
}

func (s *SQLStore) SetDownloadPolicy(ctx context.Context, resourceID string, p DownloadPolicy) error {
	return s.exec(ctx, "SetDownloadPolicy",
		`UPDATE resources SET download_policy = $2, updated_at = now() WHERE id = $1`, resourceID, p)
}

func (s *SQLStore) SetExternalService(ctx context.Context, resourceID string, svc *ExternalService) error {
	return s.exec(ctx, "SetExternalService",
		`UPDATE resources SET external_service = $2::jsonb, updated_at = now() WHERE id = $1`,
		resourceID, jsonOrNull(svc, svc == nil))
}

func (s *SQLStore) SetRateLimit(ctx context.Context, resourceID string, rl *RateLimit) error {
	return s.exec(ctx, "SetRateLimit",
		`UPDATE resources SET rate_limit = $2::jsonb, updated_at = now() WHERE id = $1`,
		resourceID, jsonOrNull(rl, rl == nil))
}

func (s *SQLStore) SetPricing(ctx context.Context, resourceID string, p *Pricing) error {
	return s.exec(ctx, "SetPricing",
		`UPDATE resources SET pricing = $2::jsonb, updated_at = now() WHERE id = $1`,
		resourceID, jsonOrNull(p, p == nil))
}
