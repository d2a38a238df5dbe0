// Package auth verifies admin bearer tokens and carries the admin id on the request context.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when no valid admin identity is present.
var ErrUnauthorized = errors.New("unauthorized")

const roleAdmin = "admin"

// Claims are the custom claims of an admin token. The subject is the admin id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier issues and validates HS256 admin tokens.
type Verifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewVerifier(secret, issuer string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Issue signs a token for adminID. Used by tooling and tests.
func (v *Verifier) Issue(adminID string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   adminID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Parse validates a token and returns the admin id it was issued for.
func (v *Verifier) Parse(token string) (string, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", ErrUnauthorized
	}
	if claims.Role != roleAdmin || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

type adminKey struct{}

// WithAdmin returns a context carrying adminID.
func WithAdmin(ctx context.Context, adminID string) context.Context {
	return context.WithValue(ctx, adminKey{}, adminID)
}

// CurrentAdmin returns the admin id on ctx or ErrUnauthorized.
func CurrentAdmin(ctx context.Context) (string, error) {
	id, ok := ctx.Value(adminKey{}).(string)
	if !ok || id == "" {
		return "", ErrUnauthorized
	}
	return id, nil
}

// Middleware resolves the bearer token into an admin id on the request context. Requests
// without a valid token are passed to onFail.
func (v *Verifier) Middleware(onFail http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				onFail(w, r)
				return
			}
			adminID, err := v.Parse(strings.TrimSpace(token))
			if err != nil {
				onFail(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAdmin(r.Context(), adminID)))
		})
	}
}
