package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/upb/change-control/backend/models"
	"github.com/upb/change-control/backend/repositories"
	"github.com/upb/change-control/backend/utils"
	"go.uber.org/zap"
)

// TokenValidator defines the interface for validating bearer tokens
type TokenValidator interface {
	// ValidateToken validates a token and returns its claims
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// UserLookup finds the stored user behind a token subject
type UserLookup interface {
	GetByCognitoSub(ctx context.Context, cognitoSub string) (*models.User, error)
}

// AuthMiddleware authenticates callers and resolves them to actors
type AuthMiddleware struct {
	validator TokenValidator
	users     UserLookup
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(validator TokenValidator, users UserLookup, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		users:     users,
		logger:    logger,
	}
}

// authTokenCookieName is read when no Authorization header is sent
const authTokenCookieName = "auth_token"

// RequireAuth validates the bearer token and loads the caller's user record.
// The actor's id and global roles come from the users table, never from the
// token, so role changes apply without reissuing tokens.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		token := extractToken(r)
		if token == "" {
			m.logger.Warn("missing token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		claims, err := m.validator.ValidateToken(ctx, token)
		if err != nil {
			m.logger.Warn("token validation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		user, err := m.users.GetByCognitoSub(ctx, claims.Sub)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				m.logger.Warn("token subject has no user record",
					zap.String("request_id", requestID),
					zap.String("sub", claims.Sub))
				_ = utils.WriteForbidden(w, "User is not registered")
				return
			}
			m.logger.Error("failed to resolve user",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteServiceUnavailable(w, "")
			return
		}
		if !user.Active {
			m.logger.Warn("inactive user rejected",
				zap.String("request_id", requestID),
				zap.String("actor_id", user.ID.String()))
			_ = utils.WriteForbidden(w, "User is inactive")
			return
		}

		actor := models.ActorFromUser(user)
		ctx = WithClaims(ctx, claims)
		ctx = WithActor(ctx, actor)

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("actor_id", actor.ID.String()))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects actors holding none of the given global roles.
// Must run after RequireAuth.
func (m *AuthMiddleware) RequireRole(roles ...models.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			actor, ok := GetActorFromContext(ctx)
			if !ok {
				m.logger.Error("actor not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			for _, role := range roles {
				if actor.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			m.logger.Warn("insufficient permissions",
				zap.String("request_id", requestID),
				zap.String("actor_id", actor.ID.String()))
			_ = utils.WriteForbidden(w, "Insufficient permissions")
		})
	}
}

// extractToken reads the token from the Authorization header, falling back to
// the auth_token cookie
func extractToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(authTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
