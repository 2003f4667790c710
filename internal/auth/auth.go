// Package auth verifies bearer tokens and threads the caller identity
// through the request context.
//
// Token issuance belongs to the login frontend; this package only needs
// the shared HS256 secret to verify. Issue exists for dev tooling and
// tests. The identity extracted here is the single source of truth for
// every downstream layer — tools never accept a model-supplied user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized covers every verification failure: missing header,
// malformed token, bad signature, expiry, or a missing subject claim.
// Callers surface it uniformly as HTTP 401.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier creates a verifier for the given shared secret. ttl only
// applies to tokens minted via Issue.
func NewVerifier(secret string, ttl time.Duration) *Verifier {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Verifier{secret: []byte(secret), ttl: ttl}
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// Verify parses and validates a token string, returning the caller
// identity. The subject may arrive as "sub" or "userId" depending on
// which frontend minted the token.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		sub, _ = claims["userId"].(string)
	}
	if sub == "" {
		return Identity{}, ErrUnauthorized
	}

	email, _ := claims["email"].(string)
	return Identity{UserID: sub, Email: email}, nil
}

// Issue mints a token for userID. Used by dev tooling and tests; the
// production login flow lives elsewhere and only shares the secret.
func (v *Verifier) Issue(userID, email string) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}

	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(v.ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	if email != "" {
		claims["email"] = email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

type contextKey struct{}

// identityKey is the context key for the authenticated caller.
var identityKey = contextKey{}

// WithIdentity returns a context carrying the caller identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the caller identity placed by Middleware.
// The second return is false on unauthenticated requests, which only
// happens if a handler was mounted outside the middleware by mistake.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Middleware wraps next with bearer token verification. Requests
// without a valid token get a 401 with a WWW-Authenticate challenge.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			unauthorized(w)
			return
		}

		id, err := v.Verify(token)
		if err != nil {
			unauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprint(w, `{"error":{"message":"invalid or missing authentication token","code":401}}`)
}
