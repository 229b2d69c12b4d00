package service_test

import (
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/tradeflow-bfa-go/internal/domain"
	"github.com/boddenberg/tradeflow-bfa-go/internal/service"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return s
}

func validClaims(sub string, ttl time.Duration) service.Claims {
	return service.Claims{
		Email: "buyer@acme.test",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
}

func TestVerify_ValidToken(t *testing.T) {
	v := service.NewTokenVerifier(testSecret)
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("user-1", time.Hour))

	claims, err := v.Verify("Bearer " + token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "buyer@acme.test" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestVerify_Rejections(t *testing.T) {
	v := service.NewTokenVerifier(testSecret)
	noExp := service.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims("user-1", time.Hour)),
		"expired":      signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("user-1", -time.Minute)),
		"no expiry":    signToken(t, jwt.SigningMethodHS256, []byte(testSecret), noExp),
		"no subject":   signToken(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("", time.Hour)),
		"wrong alg":    signToken(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims("user-1", time.Hour)),
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			var uerr *domain.ErrUnauthorized
			if !errors.As(err, &uerr) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}
