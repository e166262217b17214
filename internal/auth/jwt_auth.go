package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator verifies HS256 session tokens and provisions the user on
// first sight.
type JWTAuthenticator struct {
	secret []byte
	users  UserStore
}

// NewJWTAuthenticator creates a JWTAuthenticator.
func NewJWTAuthenticator(secret []byte, users UserStore) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, users: users}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, newAuthError(KindExpired, err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, newAuthError(KindMalformed, err)
		default:
			return nil, newAuthError(KindInvalid, err)
		}
	}
	if !token.Valid {
		return nil, newAuthError(KindInvalid, ErrUnauthenticated)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, newAuthError(KindInvalid, ErrUnauthenticated)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, newAuthError(KindMalformed, errors.New("missing sub claim"))
	}
	email, _ := claims["email"].(string)

	user, created, err := a.users.EnsureUser(ctx, sub, email)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}
	return &Identity{
		UserID:          user.ID,
		Email:           user.Email,
		Tier:            user.Tier,
		NewlyRegistered: created,
	}, nil
}

// Generate issues a session token for userID. Used by tests and tooling.
func (a *JWTAuthenticator) Generate(userID, email string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
