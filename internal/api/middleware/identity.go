package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

type contextKey string

// UserContextKey carries the verified user id through the request context.
const UserContextKey contextKey = "user"

// RequireUser extracts the verified user identity from the X-User-ID
// header. Authentication itself is performed by the fronting web
// application; by the time a request reaches this layer the id is
// trusted.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			jsonError(w, http.StatusUnauthorized, "missing user identity")
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext returns the verified user id, or "" if absent.
func GetUserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(UserContextKey).(string)
	return userID
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
