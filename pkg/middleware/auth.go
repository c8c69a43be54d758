// Package middleware carries the HTTP cross-cutting concerns: JWT
// authentication, per-client rate limiting and request logging.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const accountIDKey contextKey = "accountID"

var ErrNoAccount = errors.New("no account in context")

// AccountIDFrom extracts the authenticated account identity set by Auth.
func AccountIDFrom(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(accountIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrNoAccount
	}
	return id, nil
}

// WithAccountID returns a context carrying an account identity. Exposed for
// handler tests.
func WithAccountID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// Auth verifies the bearer token and stores the account id from the "sub"
// claim on the request context. Tokens are HS256, issued by the external
// auth service that shares the secret.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, found := strings.CutPrefix(header, "Bearer ")
			if !found || tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}
			accountID, err := uuid.Parse(subject)
			if err != nil {
				http.Error(w, "invalid account id in token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccountID(r.Context(), accountID)))
		})
	}
}
