package transport

import (
	"net/http"
	"strings"
)

// Constants for default server configuration.
const (
	// DefaultServerPort is the default port the server listens on.
	DefaultServerPort = ":8082"
	// DefaultServerURL is the default URL for the server.
	DefaultServerURL = "http://localhost:8082"
)

// HTTP routes.
const (
	APIPrefix         = "/api/v1"
	AuthPath          = APIPrefix + "/auth/"
	ChallengePath     = APIPrefix + "/auth/challenge"
	LoginPath         = APIPrefix + "/auth/login"
	RefreshPath       = APIPrefix + "/auth/refresh"
	LogoutPath        = APIPrefix + "/auth/logout"
	UsersPath         = APIPrefix + "/users"
	ConversationsPath = APIPrefix + "/conversations"
	SocketPath        = APIPrefix + "/ws"
)

// Credential cookies. The refresh cookie is scoped to AuthPath so it only
// travels with auth requests.
const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AccessTokenFrom returns the access token of a request. The cookie wins
// over the header.
func AccessTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(AccessTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return BearerToken(r)
}

// RefreshTokenFrom returns the refresh token of a request, from its cookie
// or a bearer header.
func RefreshTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(RefreshTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return BearerToken(r)
}
