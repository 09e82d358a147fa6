package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xela07ax/agenshield/internal/domain"
	"go.uber.org/zap"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestIssueAndVerify(t *testing.T) {
	key := newKey(t)
	tok, err := NewIssuer(key, time.Hour).Issue("broker-1", []string{domain.ScopePolicyCheck, " events "})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.ExpiresIn != 3600 {
		t.Errorf("unexpected token response: %+v", tok)
	}

	claims, err := NewBaseValidator(&key.PublicKey).VerifyToken("Bearer " + tok.AccessToken)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.BrokerID != "broker-1" {
		t.Errorf("broker id = %q", claims.BrokerID)
	}
	if !claims.Scopes[domain.ScopePolicyCheck] || !claims.Scopes[domain.ScopeEvents] {
		t.Errorf("scopes = %v", claims.Scopes)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	tok, err := NewIssuer(newKey(t), time.Hour).Issue("broker-1", nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other := newKey(t)
	if _, err := NewBaseValidator(&other.PublicKey).VerifyToken(tok.AccessToken); err == nil {
		t.Fatal("expected token signed by another key to be rejected")
	}
}

func TestIssueRequiresBrokerID(t *testing.T) {
	if _, err := NewIssuer(newKey(t), time.Hour).Issue("", nil); err == nil {
		t.Fatal("expected error for empty broker id")
	}
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	tok, _ := NewIssuer(key, time.Hour).Issue("broker-1", []string{domain.ScopePolicyCheck})

	var sawScope, sawAdmin bool
	h := NewMiddleware(NewBaseValidator(&key.PublicKey), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawScope = HasScope(r.Context(), domain.ScopePolicyCheck)
		sawAdmin = HasScope(r.Context(), domain.ScopeGraphAdmin)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", rec.Code)
	}
	if !sawScope || sawAdmin {
		t.Errorf("scopes: policy_check=%v graph_admin=%v", sawScope, sawAdmin)
	}
}

func TestHasScopeWithoutAuth(t *testing.T) {
	if !HasScope(context.Background(), domain.ScopeGraphAdmin) {
		t.Error("context without enforced auth must be trusted")
	}
	if HasScope(Enforced(context.Background()), domain.ScopeGraphAdmin) {
		t.Error("enforced context without claims must not be trusted")
	}
}
