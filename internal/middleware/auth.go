package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const ctxUserKey contextKey = "user_id"

// TokenValidator resolves a bearer token to the user it was issued for.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// Auth authenticates requests with a bearer JWT and stores the user id in
// the request context.
func Auth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			userID, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil || userID == uuid.Nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// OptionalAuth lets requests without an Authorization header through as
// anonymous (uuid.Nil). A header that is present must carry a valid token.
func OptionalAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	required := Auth(tokens)
	return func(next http.Handler) http.Handler {
		authed := required(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			authed.ServeHTTP(w, r)
		})
	}
}

// UserIDFromCtx returns the authenticated user, or uuid.Nil.
func UserIDFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxUserKey).(uuid.UUID)
	return id
}

// WithUserID returns a context carrying the given user id.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxUserKey, userID)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
