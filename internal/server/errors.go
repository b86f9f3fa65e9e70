package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/SonHoang2/secure-chat-app/internal/session"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

// writeAuthError maps session errors to HTTP. Reuse clears both cookies so
// the browser holds nothing that could be replayed.
func (h *Handler) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrReuseDetected):
		h.clearSessionCookies(w)
		http.Error(w, "session compromised, please log in again", http.StatusForbidden)
	case errors.Is(err, session.ErrInvalidCredential):
		http.Error(w, "invalid or expired credential", http.StatusUnauthorized)
	default:
		slog.Error("auth failure", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) cookie(name, value, path string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

// setSessionCookies sets the access cookie for every path and the refresh
// cookie only for the auth endpoints.
func (h *Handler) setSessionCookies(w http.ResponseWriter, pair session.TokenPair) {
	http.SetCookie(w, h.cookie(transport.AccessTokenCookie, pair.AccessToken, "/", pair.AccessExpiresAt))
	http.SetCookie(w, h.cookie(transport.RefreshTokenCookie, pair.RefreshToken, transport.AuthPath, pair.RefreshExpiresAt))
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []*http.Cookie{
		h.cookie(transport.AccessTokenCookie, "", "/", time.Unix(0, 0)),
		h.cookie(transport.RefreshTokenCookie, "", transport.AuthPath, time.Unix(0, 0)),
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}
