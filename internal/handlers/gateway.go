// internal/handlers/gateway.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tommar21/matchroom/internal/auth"
	"github.com/tommar21/matchroom/internal/ledger"
	"github.com/tommar21/matchroom/internal/match"
)

// Gateway bundles the collaborators the HTTP layer needs.
type Gateway struct {
	Engine         *match.Engine
	Wallets        ledger.Wallets
	Log            *logrus.Logger
	WelcomeBalance int64
}

func NewGateway(engine *match.Engine, wallets ledger.Wallets, log *logrus.Logger, welcome int64) *Gateway {
	return &Gateway{
		Engine:         engine,
		Wallets:        wallets,
		Log:            log,
		WelcomeBalance: welcome,
	}
}

// GuestHandler mints a guest identity explicitly and returns the token in
// the body, for clients that cannot carry cookies. The token also rides
// back as a cookie for browser clients.
func (g *Gateway) GuestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		userID := uuid.NewString()
		if err := g.Wallets.CreateWallet(r.Context(), userID, g.WelcomeBalance); err != nil {
			g.Log.Warnf("Failed to create wallet for guest %s: %v", userID, err)
			http.Error(w, "could not create guest", http.StatusInternalServerError)
			return
		}
		token, err := auth.CreateToken(userID)
		if err != nil {
			g.Log.Warnf("Failed to mint token for guest %s: %v", userID, err)
			http.Error(w, "could not create guest", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     "auth_token",
			Value:    token,
			HttpOnly: true,
			Path:     "/",
		})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id": userID,
			"token":   token,
			"balance": g.WelcomeBalance,
		})
	}
}

// BalanceHandler reports the authenticated guest's wallet balance.
func (g *Gateway) BalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "GET only", http.StatusMethodNotAllowed)
			return
		}
		userID, err := authenticatedUser(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		bal, err := g.Wallets.Balance(r.Context(), userID)
		if err != nil {
			if errors.Is(err, ledger.ErrNoWallet) {
				http.Error(w, "no wallet", http.StatusNotFound)
				return
			}
			g.Log.Warnf("Balance lookup failed for %s: %v", userID, err)
			http.Error(w, "balance unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"user_id": userID,
			"balance": bal,
		})
	}
}

// HealthzHandler answers liveness probes.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
