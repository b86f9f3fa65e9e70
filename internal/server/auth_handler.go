package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/SonHoang2/secure-chat-app/internal/crypto"
	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/session"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

// HandleGetChallenge generates a random nonce for the user.
func (h *Handler) HandleGetChallenge(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	if _, ok := h.Storage.GetUser(r.Context(), username); !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		http.Error(w, "failed to generate nonce", http.StatusInternalServerError)
		return
	}
	nonce := base64.StdEncoding.EncodeToString(nonceBytes)

	if err := h.Storage.CreateChallenge(r.Context(), username, nonce); err != nil {
		slog.Error("failed to create challenge", "username", username, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("challenge created", "username", username)
	writeJSON(w, http.StatusOK, models.AuthChallenge{
		Username: username,
		Nonce:    nonce,
	})
}

// HandleLogin verifies the signed challenge and issues a token pair.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var resp models.AuthResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	// The challenge is consumed whether or not the signature checks out.
	expectedNonce, ok := h.Storage.GetChallenge(r.Context(), resp.Username)
	if !ok || expectedNonce != resp.Nonce {
		http.Error(w, "invalid or expired challenge", http.StatusUnauthorized)
		return
	}

	user, ok := h.Storage.GetUser(r.Context(), resp.Username)
	if !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	if !crypto.Verify(user.IdentityPublicKey, []byte(resp.Nonce), resp.Signature) {
		slog.Warn("invalid login signature", "username", resp.Username)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	pair, err := h.Authority.Issue(r.Context(), user.Username)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	slog.Info("user logged in", "username", user.Username)
	h.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, sessionBody(pair))
}

// HandleRefresh rotates the presented refresh token. Reuse of a consumed
// token revokes every session of its user before the 403 goes out.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token := transport.RefreshTokenFrom(r)
	if token == "" {
		http.Error(w, "refresh token required", http.StatusUnauthorized)
		return
	}
	pair, err := h.Authority.Rotate(r.Context(), token)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	h.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, sessionBody(pair))
}

// HandleLogout drops the presented refresh token and clears both cookies.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.Authority.Revoke(r.Context(), transport.RefreshTokenFrom(r)); err != nil {
		slog.Error("failed to revoke refresh token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func sessionBody(p session.TokenPair) models.Session {
	return models.Session{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		UserID:           p.UserID,
		IssuedAt:         p.IssuedAt,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}
