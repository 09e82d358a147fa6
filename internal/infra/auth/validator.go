package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/agenshield/internal/domain"
)

// TokenValidator: интерфейс, который реализуют HTTP и gRPC периметры демона
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.BrokerClaims, error)
}

// BaseValidator содержит общую логику проверки RS256
type BaseValidator struct {
	publicKey *rsa.PublicKey
}

func NewBaseValidator(pubKey *rsa.PublicKey) *BaseValidator {
	return &BaseValidator{publicKey: pubKey}
}

// VerifyToken проверяет JWT токен брокера, подписанный асимметричным ключом RS256.
func (v *BaseValidator) VerifyToken(tokenStr string) (*domain.BrokerClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &domain.BrokerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*domain.BrokerClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}

	return claims, nil
}

// Issuer выпускает токены брокеров (shieldctl token issue).
type Issuer struct {
	privateKey *rsa.PrivateKey
	ttl        time.Duration
}

func NewIssuer(privateKey *rsa.PrivateKey, ttl time.Duration) *Issuer {
	return &Issuer{privateKey: privateKey, ttl: ttl}
}

// Issue подписывает токен для брокера с набором scopes.
func (i *Issuer) Issue(brokerID string, scopes []string) (*domain.TokenResponse, error) {
	if brokerID == "" {
		return nil, fmt.Errorf("broker id is required")
	}
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[strings.TrimSpace(s)] = true
	}

	expiresAt := time.Now().Add(i.ttl)
	claims := domain.BrokerClaims{
		BrokerID: brokerID,
		Scopes:   set,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   brokerID,
			Issuer:    "agenshield",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.ttl.Seconds()),
	}, nil
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает []byte в объект для подписи
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
