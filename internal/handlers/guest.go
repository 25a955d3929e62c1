// internal/handlers/guest.go
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tommar21/matchroom/internal/auth"
)

// EnsureGuest returns the authenticated user id, minting a fresh guest
// identity plus wallet when the request carries no valid token. Call it
// before the websocket upgrade so the new cookie still fits in the
// handshake response.
func (g *Gateway) EnsureGuest(w http.ResponseWriter, r *http.Request) (string, error) {
	if userID, err := authenticatedUser(r); err == nil {
		return userID, nil
	}
	return g.mintGuest(r.Context(), w)
}

// authenticatedUser verifies the token from the query string or the cookie,
// without ever minting.
func authenticatedUser(r *http.Request) (string, error) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return auth.VerifyToken(tok)
	}
	cookieHeader := r.Header.Get("Cookie")
	if strings.Contains(cookieHeader, "auth_token=") {
		return auth.VerifyToken(extractCookieToken(cookieHeader, "auth_token"))
	}
	return "", fmt.Errorf("no token")
}

func (g *Gateway) mintGuest(ctx context.Context, w http.ResponseWriter) (string, error) {
	userID := uuid.NewString()
	if err := g.Wallets.CreateWallet(ctx, userID, g.WelcomeBalance); err != nil {
		return "", fmt.Errorf("create guest wallet: %w", err)
	}
	token, err := auth.CreateToken(userID)
	if err != nil {
		return "", fmt.Errorf("mint guest token: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	return userID, nil
}

// extractCookieToken pulls a named cookie value out of a Cookie header, or
// returns empty if absent.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}
