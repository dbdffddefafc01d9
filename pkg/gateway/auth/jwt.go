package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAudience is the audience Supabase stamps on user access tokens.
const DefaultAudience = "authenticated"

// JWTVerifier checks HS256 access tokens signed with the project JWT secret.
type JWTVerifier struct {
	Secret   []byte
	Audience string
	Leeway   time.Duration
	// Now overrides the clock used for exp/nbf checks.
	Now func() time.Time
}

type supabaseClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

func (v JWTVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	if len(v.Secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	if v.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.Leeway))
	}
	if v.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.Now))
	}

	var claims supabaseClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Principal{UserID: sub, Email: claims.Email, Role: claims.Role}, nil
}
