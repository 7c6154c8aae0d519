// Package auth verifies bearer credentials at the HTTP and WebSocket
// boundaries and attaches the resulting principal to the request context.
// Token issuance, password reset, and the rest of the account machinery
// live in a separate service; this package only validates.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nearcast/presence-engine/internal/model"
)

var (
	// ErrNoCredentials is returned when no bearer token is presented.
	ErrNoCredentials = errors.New("auth: no credentials")

	// ErrInvalidCredentials is returned for malformed, expired, or
	// wrongly-signed tokens.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

type contextKey struct{}

// Verifier validates HMAC-signed JWTs issued by the auth collaborator.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for tokens signed with the given secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verify validates a raw token string and returns the principal it names.
func (v *Verifier) Verify(tokenStr string) (*model.Principal, error) {
	if tokenStr == "" {
		return nil, ErrNoCredentials
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	if c.Subject == "" {
		return nil, ErrInvalidCredentials
	}
	return &model.Principal{ID: c.Subject, Username: c.Username}, nil
}

// Sign issues a token for a principal. Used by tests; issuance is
// otherwise owned by the auth collaborator.
func (v *Verifier) Sign(p *model.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: p.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter (WebSocket handshakes cannot
// always set headers from browsers).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid principal and stashes the
// principal in the request context for downstream handlers.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := v.Verify(TokenFromRequest(r))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// WithPrincipal returns a context carrying the verified principal.
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the principal attached by Middleware, if any.
func PrincipalFrom(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*model.Principal)
	return p, ok
}
