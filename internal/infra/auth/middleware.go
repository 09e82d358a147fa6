package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
)

type ctxKey string

const claimsKey ctxKey = "broker_claims"

// WithClaims кладет claims брокера в контекст (используют HTTP и gRPC периметры).
func WithClaims(ctx context.Context, claims *domain.BrokerClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom достает claims брокера из контекста.
func ClaimsFrom(ctx context.Context) (*domain.BrokerClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*domain.BrokerClaims)
	return c, ok
}

// HasScope: без валидатора (auth выключен) контекст без claims считается доверенным локальным вызовом.
func HasScope(ctx context.Context, scope string) bool {
	c, ok := ClaimsFrom(ctx)
	if !ok {
		_, enforced := ctx.Value(enforcedKey).(bool)
		return !enforced
	}
	return c.Scopes[scope]
}

const enforcedKey ctxKey = "auth_enforced"

// NewMiddleware проверяет Bearer токен. v == nil выключает проверку.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), enforcedKey, true)
			ctx = WithClaims(ctx, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Enforced помечает контекст как прошедший через включенную проверку токенов.
func Enforced(ctx context.Context) context.Context {
	return context.WithValue(ctx, enforcedKey, true)
}
