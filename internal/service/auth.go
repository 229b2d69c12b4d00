package service

import (
	"fmt"
	"strings"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields read from access tokens issued by the auth provider.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 access tokens. The subject becomes the user id
// and the changedBy of status history rows.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for the shared signing secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses a bearer token and returns its claims.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, &domain.ErrUnauthorized{Message: "missing token"}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	if claims.Subject == "" {
		return nil, &domain.ErrUnauthorized{Message: "token has no subject"}
	}
	return claims, nil
}
