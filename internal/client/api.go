package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SonHoang2/secure-chat-app/internal/crypto"
	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/session"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

// API is a thin client for the server's REST surface.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// statusError turns a failed response into an error. 401 and 403 map onto
// the session errors so callers can tell an expired credential from a
// revoked session.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", session.ErrInvalidCredential, msg)
	case http.StatusForbidden:
		if strings.Contains(msg, "session compromised") {
			return fmt.Errorf("%w: %s", session.ErrReuseDetected, msg)
		}
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, msg)
}

func (a *API) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Ping checks that the server is reachable.
func (a *API) Ping(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/ping", "", nil, nil)
}

// Register publishes a user's public keys.
func (a *API) Register(ctx context.Context, user models.User, registrationToken string) error {
	data, err := json.Marshal(user)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+transport.UsersPath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if registrationToken != "" {
		req.Header.Set("X-Registration-Token", registrationToken)
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// GetUser looks up one user's public keys.
func (a *API) GetUser(ctx context.Context, username string) (models.User, error) {
	var u models.User
	err := a.do(ctx, http.MethodGet, transport.UsersPath+"?username="+url.QueryEscape(username), "", nil, &u)
	return u, err
}

// ListUsers returns every registered user.
func (a *API) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := a.do(ctx, http.MethodGet, transport.UsersPath, "", nil, &users)
	return users, err
}

// Login runs the challenge flow: fetch a nonce, sign it, trade the
// signature for a token pair.
func (a *API) Login(ctx context.Context, username string, identity ed25519.PrivateKey) (models.Session, error) {
	var challenge models.AuthChallenge
	path := transport.ChallengePath + "?username=" + url.QueryEscape(username)
	if err := a.do(ctx, http.MethodGet, path, "", nil, &challenge); err != nil {
		return models.Session{}, fmt.Errorf("failed to get challenge: %w", err)
	}

	authResp := models.AuthResponse{
		Username:  username,
		Nonce:     challenge.Nonce,
		Signature: crypto.Sign(identity, []byte(challenge.Nonce)),
	}
	var sess models.Session
	if err := a.do(ctx, http.MethodPost, transport.LoginPath, "", authResp, &sess); err != nil {
		return models.Session{}, fmt.Errorf("login failed: %w", err)
	}
	return sess, nil
}

// Refresh rotates a refresh token. A 403 means the token was already used
// and every session of the user is gone.
func (a *API) Refresh(ctx context.Context, refreshToken string) (models.Session, error) {
	var sess models.Session
	err := a.do(ctx, http.MethodPost, transport.RefreshPath, refreshToken, nil, &sess)
	return sess, err
}

// Logout drops the refresh token server-side.
func (a *API) Logout(ctx context.Context, refreshToken string) error {
	return a.do(ctx, http.MethodPost, transport.LogoutPath, refreshToken, nil, nil)
}

// NewConversation is the body of a create-conversation request.
type NewConversation struct {
	Title        string   `json:"title,omitempty"`
	IsGroup      bool     `json:"isGroup"`
	Participants []string `json:"participants"`
}

// CreateConversation returns the new conversation, or the existing private
// one with the same counterpart.
func (a *API) CreateConversation(ctx context.Context, access string, req NewConversation) (models.Conversation, error) {
	var conv models.Conversation
	err := a.do(ctx, http.MethodPost, transport.ConversationsPath, access, req, &conv)
	return conv, err
}

// ListConversations returns the caller's conversations.
func (a *API) ListConversations(ctx context.Context, access string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := a.do(ctx, http.MethodGet, transport.ConversationsPath+"/me", access, nil, &convs)
	return convs, err
}

// ListMessages returns a conversation's history, each message carrying only
// the caller's envelope.
func (a *API) ListMessages(ctx context.Context, access, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	path := transport.ConversationsPath + "/" + url.PathEscape(conversationID) + "/messages"
	err := a.do(ctx, http.MethodGet, path, access, nil, &msgs)
	return msgs, err
}
