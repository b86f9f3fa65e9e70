package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/SonHoang2/secure-chat-app/internal/crypto"
	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/session"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

type contextKey string

const (
	userContextKey contextKey = "user"
)

type Handler struct {
	Storage           *Storage
	Authority         *session.Authority
	Messenger         *Messenger
	RegistrationToken string
	CookieSecure      bool
}

func NewHandler(storage *Storage, authority *session.Authority, messenger *Messenger) *Handler {
	return &Handler{Storage: storage, Authority: authority, Messenger: messenger, CookieSecure: true}
}

// SetRegistrationToken sets the registration token for the handler.
func (h *Handler) SetRegistrationToken(token string) {
	h.RegistrationToken = token
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// userFrom returns the authenticated user set by AuthMiddleware.
func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userContextKey).(string)
	return u
}

func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	if h.RegistrationToken != "" {
		token := r.Header.Get("X-Registration-Token")
		if token != h.RegistrationToken {
			slog.Warn("invalid registration token")
			http.Error(w, "forbidden: invalid registration token", http.StatusForbidden)
			return
		}
	}

	var user models.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		slog.Error("failed to decode user", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if user.Username == "" || len(user.IdentityPublicKey) == 0 {
		http.Error(w, "invalid user", http.StatusBadRequest)
		return
	}
	if _, err := crypto.KeyFromBytes(user.ExchangePublicKey); err != nil {
		http.Error(w, "invalid exchange public key", http.StatusBadRequest)
		return
	}

	if err := h.Storage.AddUser(r.Context(), user); err != nil {
		if errors.Is(err, ErrUserExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("failed to add user", "username", user.Username, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("user registered", "username", user.Username)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		users, err := h.Storage.ListAllUsers(r.Context())
		if err != nil {
			slog.Error("failed to list users", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, users)
		return
	}

	user, ok := h.Storage.GetUser(r.Context(), username)
	if !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// createConversationRequest names the other members; the caller joins as
// admin.
type createConversationRequest struct {
	Title        string   `json:"title,omitempty"`
	IsGroup      bool     `json:"isGroup"`
	Participants []string `json:"participants"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r.Context())
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	conv := models.Conversation{
		ID:           uuid.NewString(),
		Title:        req.Title,
		IsGroup:      req.IsGroup,
		Participants: []models.Participant{{UserID: me, Role: models.RoleAdmin}},
		CreatedAt:    time.Now().UTC(),
	}
	for _, p := range req.Participants {
		if p == me {
			continue
		}
		conv.Participants = append(conv.Participants, models.Participant{UserID: p, Role: models.RoleMember})
	}

	if !conv.IsGroup && len(conv.Participants) == 2 {
		if existing, ok := h.findPrivate(r.Context(), me, conv.Participants[1].UserID); ok {
			writeJSON(w, http.StatusOK, existing)
			return
		}
	}

	if err := h.Storage.CreateConversation(r.Context(), conv); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Info("conversation created", "id", conv.ID, "group", conv.IsGroup, "by", me)
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) findPrivate(ctx context.Context, a, b string) (models.Conversation, bool) {
	convs, err := h.Storage.ListConversations(ctx, a)
	if err != nil {
		return models.Conversation{}, false
	}
	for _, c := range convs {
		if !c.IsGroup && c.HasParticipant(b) {
			return c, true
		}
	}
	return models.Conversation{}, false
}

// ListMyConversations serves GET /conversations/me.
func (h *Handler) ListMyConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.Storage.ListConversations(r.Context(), userFrom(r.Context()))
	if err != nil {
		slog.Error("failed to list conversations", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// ListMessages serves GET /conversations/{id}/messages. Each message carries
// only the caller's envelope. Fetching counts as delivery.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	me := userFrom(r.Context())
	id := r.PathValue("id")
	conv, ok := h.Storage.GetConversation(r.Context(), id)
	if !ok || !conv.HasParticipant(me) {
		http.Error(w, ErrConversationNotFound.Error(), http.StatusNotFound)
		return
	}

	msgs, err := h.Storage.ListMessages(r.Context(), id)
	if err != nil {
		slog.Error("failed to list messages", "conversation", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.StatusFor(me) == models.StatusSent && m.SenderID != me {
			if updated, changed := h.Messenger.MarkDelivered(r.Context(), conv, m, me); changed {
				m.Statuses = updated.Statuses
			}
		}
		out = append(out, m.ForViewer(me))
	}
	writeJSON(w, http.StatusOK, out)
}

// AuthMiddleware admits requests carrying a valid access token, from the
// access cookie or a bearer header.
func (h *Handler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := transport.AccessTokenFrom(r)
		if token == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		claims, err := h.Authority.VerifyAccess(token)
		if err != nil {
			h.writeAuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, claims.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}
