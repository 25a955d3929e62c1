// internal/handlers/gateway_test.go
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/auth"
	"github.com/tommar21/matchroom/internal/ledger"
)

func newTestGateway(t *testing.T) (*Gateway, *ledger.Memory) {
	t.Helper()
	if err := auth.Init(0); err != nil {
		t.Fatalf("auth init: %v", err)
	}
	funds := ledger.NewMemory()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewGateway(nil, funds, log, 1000), funds
}

// TestGuestHandlerMintsIdentity checks that POST /auth/guest creates a wallet
// and returns a verifiable token both in the body and as a cookie.
func TestGuestHandlerMintsIdentity(t *testing.T) {
	g, funds := newTestGateway(t)

	req := httptest.NewRequest("POST", "/auth/guest", nil)
	w := httptest.NewRecorder()
	g.GuestHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		UserID  string `json:"user_id"`
		Token   string `json:"token"`
		Balance int64  `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.UserID == "" || resp.Token == "" {
		t.Fatalf("incomplete guest response: %+v", resp)
	}
	if resp.Balance != 1000 {
		t.Errorf("welcome balance: got %d, want 1000", resp.Balance)
	}

	sub, err := auth.VerifyToken(resp.Token)
	if err != nil || sub != resp.UserID {
		t.Errorf("token does not verify to the minted user: %v (sub %q)", err, sub)
	}
	if b, err := funds.Balance(req.Context(), resp.UserID); err != nil || b != 1000 {
		t.Errorf("wallet not seeded: balance %d, err %v", b, err)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "auth_token" {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != resp.Token {
		t.Error("auth_token cookie missing or does not match the body token")
	}
}

func TestGuestHandlerRejectsGet(t *testing.T) {
	g, _ := newTestGateway(t)

	req := httptest.NewRequest("GET", "/auth/guest", nil)
	w := httptest.NewRecorder()
	g.GuestHandler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestBalanceHandlerViaCookie(t *testing.T) {
	g, funds := newTestGateway(t)
	if err := funds.CreateWallet(context.Background(), "u1", 750); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	token, _ := auth.CreateToken("u1")

	req := httptest.NewRequest("GET", "/me/balance", nil)
	req.Header.Set("Cookie", "theme=dark; auth_token="+token+"; lang=en")
	w := httptest.NewRecorder()
	g.BalanceHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		UserID  string `json:"user_id"`
		Balance int64  `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.UserID != "u1" || resp.Balance != 750 {
		t.Errorf("unexpected balance response: %+v", resp)
	}
}

func TestBalanceHandlerViaQueryToken(t *testing.T) {
	g, funds := newTestGateway(t)
	if err := funds.CreateWallet(context.Background(), "u1", 200); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	token, _ := auth.CreateToken("u1")

	req := httptest.NewRequest("GET", "/me/balance?token="+token, nil)
	w := httptest.NewRecorder()
	g.BalanceHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBalanceHandlerAuthFailures(t *testing.T) {
	g, _ := newTestGateway(t)

	req := httptest.NewRequest("GET", "/me/balance", nil)
	w := httptest.NewRecorder()
	g.BalanceHandler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/me/balance?token=garbage", nil)
	w = httptest.NewRecorder()
	g.BalanceHandler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/me/balance", nil)
	w = httptest.NewRecorder()
	g.BalanceHandler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST: expected 405, got %d", w.Code)
	}
}

func TestBalanceHandlerNoWallet(t *testing.T) {
	g, _ := newTestGateway(t)
	token, _ := auth.CreateToken("nobody")

	req := httptest.NewRequest("GET", "/me/balance?token="+token, nil)
	w := httptest.NewRecorder()
	g.BalanceHandler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// TestEnsureGuestReusesIdentity checks that a request already carrying a valid
// token keeps its identity instead of getting a fresh guest.
func TestEnsureGuestReusesIdentity(t *testing.T) {
	g, funds := newTestGateway(t)
	req := httptest.NewRequest("GET", "/ws", nil)
	if err := funds.CreateWallet(req.Context(), "u1", 500); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	token, _ := auth.CreateToken("u1")
	req.Header.Set("Cookie", "auth_token="+token)

	w := httptest.NewRecorder()
	userID, err := g.EnsureGuest(w, req)
	if err != nil {
		t.Fatalf("ensure guest: %v", err)
	}
	if userID != "u1" {
		t.Errorf("expected existing identity u1, got %q", userID)
	}
	if b, _ := funds.Balance(req.Context(), "u1"); b != 500 {
		t.Errorf("existing wallet was reseeded: %d", b)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("no new cookie should be set for an authenticated request")
	}
}

func TestEnsureGuestMintsWhenAnonymous(t *testing.T) {
	g, funds := newTestGateway(t)
	req := httptest.NewRequest("GET", "/ws", nil)
	w := httptest.NewRecorder()

	userID, err := g.EnsureGuest(w, req)
	if err != nil {
		t.Fatalf("ensure guest: %v", err)
	}
	if userID == "" {
		t.Fatal("no identity minted")
	}
	if b, err := funds.Balance(req.Context(), userID); err != nil || b != 1000 {
		t.Errorf("guest wallet not seeded: balance %d, err %v", b, err)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "auth_token" {
		t.Fatalf("expected one auth_token cookie, got %v", cookies)
	}
	if sub, err := auth.VerifyToken(cookies[0].Value); err != nil || sub != userID {
		t.Errorf("cookie token does not verify to %q: %v", userID, err)
	}
}

func TestHealthz(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	HealthzHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body: got %q", w.Body.String())
	}
}
