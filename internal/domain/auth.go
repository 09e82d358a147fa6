package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// BrokerClaims: claims токена, которым брокер представляется демону.
type BrokerClaims struct {
	BrokerID string          `json:"broker_id"`
	Scopes   map[string]bool `json:"scopes"` // "policy_check": true, "graph_admin": true
	jwt.RegisteredClaims
}

// Scopes, которые понимает демон
const (
	ScopePolicyCheck = "policy_check"
	ScopeEvents      = "events"
	ScopeGraphAdmin  = "graph_admin"
)

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
