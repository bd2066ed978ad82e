package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/kozaktomas/smart-attendance/internal/auth"
)

type contextKey string

const operatorContextKey contextKey = "operator"

// RequireToken is middleware that requires a valid bearer token signed with key.
// An empty key disables the check.
func RequireToken(key []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(key) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
				return
			}

			operator, err := auth.ParseToken(token, key)
			if err != nil {
				http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperatorFromContext returns the operator of an authenticated request
func GetOperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(operatorContextKey).(string)
	return operator
}
