package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/upb/llm-orchestrator/utils"
	"go.uber.org/zap"
)

// ErrAuthDisabled is returned by RejectAll
var ErrAuthDisabled = errors.New("authentication not configured")

// TokenValidator turns a bearer token into operator claims
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// AuthMiddleware guards operator endpoints
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// token's claims in the request context
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := m.requestLogger(r)

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			log.Warn("missing bearer token")
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		claims, err := m.validator.ValidateToken(r.Context(), token)
		switch {
		case errors.Is(err, ErrTokenExpired):
			log.Info("expired operator token")
			_ = utils.WriteUnauthorized(w, "Token expired")
			return
		case err != nil:
			log.Warn("token validation failed", zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid token")
			return
		}

		log.Debug("operator authenticated", zap.String("sub", claims.Subject))
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole admits callers holding any of roles. It runs after RequireAuth.
func (m *AuthMiddleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromContext(r.Context())
			if claims == nil {
				m.requestLogger(r).Error("role check without authenticated claims")
				_ = utils.WriteUnauthorized(w, "")
				return
			}

			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			m.requestLogger(r).Warn("operator lacks required role",
				zap.String("sub", claims.Subject),
				zap.Strings("required", roles),
				zap.Strings("roles", claims.Roles))
			_ = utils.WriteForbidden(w, "Insufficient permissions")
		})
	}
}

func (m *AuthMiddleware) requestLogger(r *http.Request) *zap.Logger {
	return m.logger.With(
		zap.String("request_id", GetRequestIDFromContext(r.Context())),
		zap.String("path", r.URL.Path))
}

// RejectAll refuses every token. It guards operator routes when no signing
// secret is configured.
type RejectAll struct{}

func (RejectAll) ValidateToken(context.Context, string) (*Claims, error) {
	return nil, ErrAuthDisabled
}

// bearerToken parses an Authorization header value. The scheme is case
// insensitive.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
