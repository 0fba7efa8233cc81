package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

// UserHeader carries the caller's learner id.
const UserHeader = "X-User-ID"

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// Identity resolves the learner id from UserHeader and stores it in the request
// context. Missing or malformed ids fall back to defaultUser.
func Identity(defaultUser string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := sanitizeUserID(r.Header.Get(UserHeader), defaultUser)
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the learner id set by Identity.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func sanitizeUserID(id, fallback string) string {
	id = strings.TrimSpace(id)
	if id == "" || !userIDPattern.MatchString(id) {
		return fallback
	}
	return id
}
