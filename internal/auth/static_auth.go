package auth

import (
	"context"
	"strings"
)

// StaticAuthenticator is a development-only authenticator that accepts any
// ulk_ key and derives a stable user id from it.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if !strings.HasPrefix(token, APIKeyPrefix) || len(token) < 12 {
		return nil, newAuthError(KindMalformed, ErrUnauthenticated)
	}
	return &Identity{
		UserID: "static-" + token[len(APIKeyPrefix):12],
		Tier:   "pro",
	}, nil
}
