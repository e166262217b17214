package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Authenticator resolves a bearer credential to a caller Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
	Tier   string // "free", "pro", ...
	// NewlyRegistered is set on the request that created the user row.
	NewlyRegistered bool
}

// APIKeyPrefix marks platform API keys. Anything else is treated as a JWT.
const APIKeyPrefix = "ulk_"

// Kinds of authentication failure, surfaced to callers as a sub-type.
const (
	KindMissing   = "missing"
	KindMalformed = "malformed"
	KindExpired   = "expired"
	KindInvalid   = "invalid"
)

// AuthError is a credential problem the caller can fix by re-authenticating.
type AuthError struct {
	Kind string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return "auth " + e.Kind + ": " + e.Err.Error()
	}
	return "auth " + e.Kind
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

func newAuthError(kind string, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// AsAuthError extracts an *AuthError from err's chain.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ExtractBearerToken extracts the credential from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", newAuthError(KindMissing, ErrUnauthenticated)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		token, ok = strings.CutPrefix(header, "bearer ")
	}
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", newAuthError(KindMalformed, errors.New("authorization header is not a bearer credential"))
	}
	return token, nil
}

// ChainAuthenticator picks an authenticator by token shape.
type ChainAuthenticator struct {
	APIKeys Authenticator
	JWT     Authenticator
}

func (c *ChainAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	switch {
	case token == "":
		return nil, newAuthError(KindMissing, ErrUnauthenticated)
	case strings.HasPrefix(token, APIKeyPrefix):
		if c.APIKeys == nil {
			return nil, newAuthError(KindInvalid, errors.New("api keys are not accepted"))
		}
		return c.APIKeys.Authenticate(ctx, token)
	case strings.Count(token, ".") == 2:
		if c.JWT == nil {
			return nil, newAuthError(KindInvalid, errors.New("session tokens are not accepted"))
		}
		return c.JWT.Authenticate(ctx, token)
	default:
		return nil, newAuthError(KindMalformed, errors.New("unrecognized credential format"))
	}
}
