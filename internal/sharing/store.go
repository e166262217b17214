package sharing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Store persists shares and share links.
type Store interface {
	UpsertContentShare(ctx context.Context, s *ContentShare) error
	// DeleteContentShares removes the shares of contentID held by any of
	// granteeKeys, or every share of it when granteeKeys is empty.
	DeleteContentShares(ctx context.Context, contentID string, granteeKeys []string) (int, error)
	ContentSharesByOwner(ctx context.Context, ownerID string) ([]ContentShare, error)
	ContentSharesFor(ctx context.Context, userID, email string) ([]ContentShare, error)

	UpsertKeyShare(ctx context.Context, s *KeyShare) error
	// DeleteKeyShare removes rows matching (owner, scope, pattern) exactly
	// and held by any of granteeKeys.
	DeleteKeyShare(ctx context.Context, ownerID, scope, pattern string, granteeKeys []string) (int, error)
	KeySharesByOwner(ctx context.Context, ownerID string) ([]KeyShare, error)
	KeySharesFor(ctx context.Context, userID, email string) ([]KeyShare, error)

	// EnsureLink stores tokenHash for contentID unless a link exists and
	// reports whether it stored one.
	EnsureLink(ctx context.Context, kind Kind, contentID, tokenHash string) (bool, error)
	// ReplaceLink overwrites the link, invalidating the previous token.
	ReplaceLink(ctx context.Context, kind Kind, contentID, tokenHash string) error
	// LinkTarget resolves a token hash. Returns "" when unknown.
	LinkTarget(ctx context.Context, tokenHash string) (string, Kind, error)
}

// granteeKey identifies a grantee row: the user id, or the email while the
// grantee is unregistered.
func granteeKey(id, email string) string {
	if id != "" {
		return id
	}
	return "email:" + strings.ToLower(email)
}

// SQLStore is the Postgres Store.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) UpsertContentShare(ctx context.Context, cs *ContentShare) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_shares (content_id, kind, owner_id, grantee_id, grantee_email, grantee_key, access)
		VALUES ($1, $2, $3, $4, lower($5), $6, $7)
		ON CONFLICT (content_id, grantee_key) DO UPDATE SET access = EXCLUDED.access
	`, cs.ContentID, cs.Kind, cs.OwnerID, cs.GranteeID, cs.GranteeEmail,
		granteeKey(cs.GranteeID, cs.GranteeEmail), cs.Access)
	if err != nil {
		return fmt.Errorf("UpsertContentShare: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteContentShares(ctx context.Context, contentID string, granteeKeys []string) (int, error) {
	var keys any
	if len(granteeKeys) > 0 {
		keys = granteeKeys
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM content_shares
		WHERE content_id = $1 AND ($2::text[] IS NULL OR grantee_key = ANY($2))
	`, contentID, keys)
	if err != nil {
		return 0, fmt.Errorf("DeleteContentShares: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) queryContent(ctx context.Context, op, where string, args ...any) ([]ContentShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id, kind, owner_id, grantee_id, grantee_email, access, created_at
		FROM content_shares WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()
	var out []ContentShare
	for rows.Next() {
		var c ContentShare
		if err := rows.Scan(&c.ContentID, &c.Kind, &c.OwnerID, &c.GranteeID, &c.GranteeEmail,
			&c.Access, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) ContentSharesByOwner(ctx context.Context, ownerID string) ([]ContentShare, error) {
	return s.queryContent(ctx, "ContentSharesByOwner", `owner_id = $1`, ownerID)
}

func (s *SQLStore) ContentSharesFor(ctx context.Context, userID, email string) ([]ContentShare, error) {
	return s.queryContent(ctx, "ContentSharesFor",
		`grantee_key = $1 OR (grantee_id = '' AND $2 <> '' AND grantee_email = lower($2))`, userID, email)
}

func (s *SQLStore) UpsertKeyShare(ctx context.Context, ks *KeyShare) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_shares (owner_id, scope, key_pattern, grantee_id, grantee_email, grantee_key, access)
		VALUES ($1, $2, $3, $4, lower($5), $6, $7)
		ON CONFLICT (owner_id, scope, key_pattern, grantee_key) DO UPDATE SET access = EXCLUDED.access
	`, ks.OwnerID, ks.Scope, ks.KeyPattern, ks.GranteeID, ks.GranteeEmail,
		granteeKey(ks.GranteeID, ks.GranteeEmail), ks.Access)
	if err != nil {
		return fmt.Errorf("UpsertKeyShare: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteKeyShare(ctx context.Context, ownerID, scope, pattern string, granteeKeys []string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM key_shares
		WHERE owner_id = $1 AND scope = $2 AND key_pattern = $3 AND grantee_key = ANY($4)
	`, ownerID, scope, pattern, granteeKeys)
	if err != nil {
		return 0, fmt.Errorf("DeleteKeyShare: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) queryKeys(ctx context.Context, op, where string, args ...any) ([]KeyShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, scope, key_pattern, grantee_id, grantee_email, access, created_at
		FROM key_shares WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()
	var out []KeyShare
	for rows.Next() {
		var k KeyShare
		if err := rows.Scan(&k.OwnerID, &k.Scope, &k.KeyPattern, &k.GranteeID, &k.GranteeEmail,
			&k.Access, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLStore) KeySharesByOwner(ctx context.Context, ownerID string) ([]KeyShare, error) {
	return s.queryKeys(ctx, "KeySharesByOwner", `owner_id = $1`, ownerID)
}

func (s *SQLStore) KeySharesFor(ctx context.Context, userID, email string) ([]KeyShare, error) {
	return s.queryKeys(ctx, "KeySharesFor",
		`grantee_key = $1 OR (grantee_id = '' AND $2 <> '' AND grantee_email = lower($2))`, userID, email)
}

func (s *SQLStore) EnsureLink(ctx context.Context, kind Kind, contentID, tokenHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (content_id, kind, token_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_id) DO NOTHING
	`, contentID, kind, tokenHash)
	if err != nil {
		return false, fmt.Errorf("EnsureLink: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) ReplaceLink(ctx context.Context, kind Kind, contentID, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (content_id, kind, token_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_id) DO UPDATE
			SET token_hash = EXCLUDED.token_hash, created_at = now()
	`, contentID, kind, tokenHash)
	if err != nil {
		return fmt.Errorf("ReplaceLink: %w", err)
	}
	return nil
}

func (s *SQLStore) LinkTarget(ctx context.Context, tokenHash string) (string, Kind, error) {
	var id string
	var kind Kind
	err := s.db.QueryRowContext(ctx,
		`SELECT content_id, kind FROM share_links WHERE token_hash = $1`, tokenHash).Scan(&id, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("LinkTarget: %w", err)
	}
	return id, kind, nil
}
