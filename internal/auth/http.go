// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Extracts the bearer token, resolves the user and adds AuthContext to the request

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-chat/internal/store"
)

// UserLookup resolves the user a token was issued to.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
}

// tokenQueryParam carries the token on websocket handshakes, where browsers
// cannot set an Authorization header.
const tokenQueryParam = "access_token"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// extractToken prefers the Authorization header and falls back to the
// access_token query parameter.
func extractToken(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get(tokenQueryParam); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"`+msg+`"}`, status)
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens.
// It looks up the user and adds AuthContext to the request context. Requests
// without a valid token for an existing user are rejected with 401.
func HTTPAuthMiddleware(users UserLookup, verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				writeAuthError(w, errMsg, http.StatusUnauthorized)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				if errors.Is(err, ErrExpiredToken) {
					writeAuthError(w, "token expired", http.StatusUnauthorized)
					return
				}
				writeAuthError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					logger.Error("looking up token user", "user_id", userID, "error", err)
					writeAuthError(w, "internal error", http.StatusInternalServerError)
					return
				}
				writeAuthError(w, "user not found", http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{
				UserID:         user.ID,
				Username:       user.Username,
				ProfilePicture: user.ProfilePicture,
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
