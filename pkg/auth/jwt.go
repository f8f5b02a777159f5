package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mahaj/village-chat/pkg/model"
)

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// UserLookup resolves a user id to an identity. It returns an error matching
// model.ErrNotFound for unknown users.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (model.Identity, error)
}

// Authenticator validates credentials presented at connection time and
// resolves them to identities.
type Authenticator struct {
	key    []byte
	users  UserLookup
	parser *jwt.Parser
}

func NewAuthenticator(secret string, users UserLookup) *Authenticator {
	return &Authenticator{
		key:   []byte(secret),
		users: users,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// GenerateToken creates a signed token for userID valid for ttl.
func (a *Authenticator) GenerateToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.key)
}

// ValidateToken parses and validates a token. Every failure matches
// model.ErrUnauthenticated.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, model.Errorf(model.ErrUnauthenticated, "authentication token required")
	}

	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, model.Errorf(model.ErrUnauthenticated, "token expired")
	case err != nil:
		return nil, model.Errorf(model.ErrUnauthenticated, "invalid token")
	case !token.Valid:
		return nil, model.Errorf(model.ErrUnauthenticated, "invalid token")
	case claims.UserID == "":
		return nil, model.Errorf(model.ErrUnauthenticated, "invalid token")
	}
	return claims, nil
}

// Authenticate validates the credential and loads the identity it names.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (model.Identity, error) {
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return model.Identity{}, err
	}

	ident, err := a.users.LookupUser(ctx, claims.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Identity{}, model.Errorf(model.ErrUnauthenticated, "user not found")
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("auth: lookup user %s: %w", claims.UserID, err)
	}
	return ident, nil
}

// TokenFromRequest extracts a credential from the Authorization header, the
// token query parameter or the token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if tokenString := r.Header.Get("Authorization"); tokenString != "" {
		return strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	}
	if tokenString := r.URL.Query().Get("token"); tokenString != "" {
		return tokenString
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
