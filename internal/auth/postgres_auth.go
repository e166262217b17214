package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	UserID     string
	Email      string
	Tier       string
	APIKeyHash string
	Revoked    bool
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.tier, k.key_hash, k.revoked_at IS NOT NULL
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.key_prefix = $1
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.UserID, &r.Email, &r.Tier, &r.APIKeyHash, &r.Revoked); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the api_keys table.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewAuthCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	cacheResult := a.cache.Get(token)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cacheResult.Identity, nil
	}

	// Cache miss, authenticate synchronously
	identity, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, identity)
	return identity, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Identity, error) {
	if len(token) < 12 {
		return nil, newAuthError(KindMalformed, errors.New("api key too short"))
	}
	prefix := token[:12]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newAuthError(KindInvalid, ErrUnauthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Revoked {
		return nil, newAuthError(KindExpired, errors.New("api key revoked"))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, newAuthError(KindInvalid, ErrUnauthenticated)
	}

	return &Identity{
		UserID: row.UserID,
		Email:  row.Email,
		Tier:   row.Tier,
	}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	identity, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if _, ok := AsAuthError(err); ok {
			// Key was revoked or rotated since it was cached.
			a.cache.Delete(token)
		}
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, identity)
}
