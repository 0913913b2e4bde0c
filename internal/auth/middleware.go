package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/offbit/flowtrace/internal/db"
)

/* Context key types for type-safe context values */
type contextKey string

const (
	userIDKey contextKey = "user_id"
	apiKeyKey contextKey = "api_key"
	claimsKey contextKey = "claims"
)

/* SetUserID sets user ID in context */
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

/* GetUserIDFromContext gets the user ID from context */
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

/* GetAPIKeyFromContext gets the API key record from context */
func GetAPIKeyFromContext(ctx context.Context) (*db.APIKey, bool) {
	key, ok := ctx.Value(apiKeyKey).(*db.APIKey)
	return key, ok
}

/* GetClaimsFromContext gets the JWT claims from context */
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// skipAuth exempts liveness and metrics endpoints from credentials.
func skipAuth(path string) bool {
	return path == "/health" || path == "/api/v1/health" ||
		path == "/metrics" || strings.HasPrefix(path, "/api/v1/reports/") &&
		strings.HasSuffix(path, "/download")
}

// Middleware returns the authentication middleware for the configured mode:
// "apikey", "jwt", or "none".
func Middleware(mode string, keys *APIKeyManager, tokens *JWTManager) func(http.Handler) http.Handler {
	switch mode {
	case "jwt":
		return jwtMiddleware(tokens)
	case "none":
		return func(next http.Handler) http.Handler { return next }
	default:
		return apiKeyMiddleware(keys)
	}
}

func apiKeyMiddleware(keys *APIKeyManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			key, err := ExtractBearer(r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			apiKey, err := keys.ValidateAPIKey(r.Context(), key)
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyKey, apiKey)
			ctx = SetUserID(ctx, apiKey.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jwtMiddleware(tokens *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipAuth(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			token, err := ExtractBearer(r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			claims, err := tokens.ValidateToken(token)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = SetUserID(ctx, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
