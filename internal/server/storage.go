package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/SonHoang2/secure-chat-app/internal/models"
)

var (
	ErrUserExists           = errors.New("user already exists")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// Storage persists users, conversations and message metadata as JSON files
// under BaseDir. Message envelopes go to the BlobStore.
type Storage struct {
	mu            sync.RWMutex
	BaseDir       string
	Users         map[string]models.User
	Conversations map[string]models.Conversation
	Messages      map[string]models.Message // envelopes stripped
	BlobStore     BlobStore
	Challenges    map[string]string // username -> nonce
}

// NewStorage creates a new Storage instance.
func NewStorage(baseDir string, blobStore BlobStore) (*Storage, error) {
	s := &Storage{
		BaseDir:       baseDir,
		Users:         make(map[string]models.User),
		Conversations: make(map[string]models.Conversation),
		Messages:      make(map[string]models.Message),
		BlobStore:     blobStore,
		Challenges:    make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) file(name string) string { return filepath.Join(s.BaseDir, name) }

func (s *Storage) load() error {
	if err := os.MkdirAll(s.BaseDir, 0o700); err != nil {
		return err
	}
	for name, into := range map[string]any{
		"users.json":         &s.Users,
		"conversations.json": &s.Conversations,
		"messages.json":      &s.Messages,
	} {
		data, err := os.ReadFile(s.file(name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, into); err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

// caller holds s.mu
func (s *Storage) saveInternal() error {
	for name, v := range map[string]any{
		"users.json":         s.Users,
		"conversations.json": s.Conversations,
		"messages.json":      s.Messages,
	} {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(s.file(name), data, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// AddUser registers a new user. Usernames are never reassigned.
func (s *Storage) AddUser(_ context.Context, user models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Users[user.Username]; ok {
		return ErrUserExists
	}
	s.Users[user.Username] = user
	return s.saveInternal()
}

// GetUser retrieves a user by username.
func (s *Storage) GetUser(_ context.Context, username string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.Users[username]
	return u, ok
}

// UserExists implements session.UserChecker.
func (s *Storage) UserExists(ctx context.Context, username string) bool {
	_, ok := s.GetUser(ctx, username)
	return ok
}

// ListAllUsers returns every user sorted by name.
func (s *Storage) ListAllUsers(_ context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.Users))
	for _, u := range s.Users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// CreateChallenge stores a login nonce, replacing any earlier one.
func (s *Storage) CreateChallenge(_ context.Context, username, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Challenges[username] = nonce
	return nil
}

// GetChallenge retrieves and deletes a challenge for a user.
func (s *Storage) GetChallenge(_ context.Context, username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ok := s.Challenges[username]
	if ok {
		delete(s.Challenges, username)
	}
	return nonce, ok
}

// CreateConversation stores a validated conversation whose members all exist.
func (s *Storage) CreateConversation(_ context.Context, conv models.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range conv.Participants {
		if _, ok := s.Users[p.UserID]; !ok {
			return fmt.Errorf("unknown participant %q", p.UserID)
		}
	}
	s.Conversations[conv.ID] = conv
	return s.saveInternal()
}

// GetConversation retrieves a conversation by id.
func (s *Storage) GetConversation(_ context.Context, id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.Conversations[id]
	return c, ok
}

// ListConversations returns the conversations userID belongs to, oldest first.
func (s *Storage) ListConversations(_ context.Context, userID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.Conversations {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Contacts returns every user sharing at least one conversation with userID.
func (s *Storage) Contacts(_ context.Context, userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.Conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		for _, p := range c.Participants {
			if p.UserID != userID && !seen[p.UserID] {
				seen[p.UserID] = true
				out = append(out, p.UserID)
			}
		}
	}
	sort.Strings(out)
	return out
}

// SaveMessage writes the envelopes to the blob store, then the metadata.
func (s *Storage) SaveMessage(ctx context.Context, msg models.Message) error {
	blob, err := json.Marshal(msg.Envelopes)
	if err != nil {
		return err
	}
	if err := s.BlobStore.Save(ctx, msg.ID, blob); err != nil {
		return fmt.Errorf("save envelopes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	meta := msg
	meta.Envelopes = nil
	meta.Statuses = copyStatuses(msg.Statuses)
	s.Messages[msg.ID] = meta
	return s.saveInternal()
}

// GetMessage returns a message with its envelopes.
func (s *Storage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	meta, ok := s.messageMeta(id)
	if !ok {
		return models.Message{}, ErrMessageNotFound
	}
	return s.withEnvelopes(ctx, meta)
}

func (s *Storage) messageMeta(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.Messages[id]
	if !ok {
		return models.Message{}, false
	}
	m.Statuses = copyStatuses(m.Statuses)
	return m, true
}

func (s *Storage) withEnvelopes(ctx context.Context, meta models.Message) (models.Message, error) {
	blob, err := s.BlobStore.Get(ctx, meta.ID)
	if err != nil {
		return models.Message{}, fmt.Errorf("load envelopes of %s: %w", meta.ID, err)
	}
	if err := json.Unmarshal(blob, &meta.Envelopes); err != nil {
		return models.Message{}, fmt.Errorf("decode envelopes of %s: %w", meta.ID, err)
	}
	return meta, nil
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Storage) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	var metas []models.Message
	for _, m := range s.Messages {
		if m.ConversationID == conversationID {
			m.Statuses = copyStatuses(m.Statuses)
			metas = append(metas, m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].ID < metas[j].ID
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	out := make([]models.Message, 0, len(metas))
	for _, m := range metas {
		full, err := s.withEnvelopes(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, full)
	}
	return out, nil
}

// AdvanceStatus moves one recipient's status forward. It reports whether
// anything changed; regressions and repeats are not errors. Only existing
// recipients of the message can be advanced.
func (s *Storage) AdvanceStatus(_ context.Context, messageID, recipientID string, status models.Status) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Messages[messageID]
	if !ok {
		return models.Message{}, false, ErrMessageNotFound
	}
	cur, ok := m.Statuses[recipientID]
	if !ok {
		return models.Message{}, false, fmt.Errorf("%s is not a recipient of %s", recipientID, messageID)
	}
	next, changed := models.Advance(cur, status)
	if changed {
		m.Statuses[recipientID] = next
		if err := s.saveInternal(); err != nil {
			return models.Message{}, false, err
		}
	}
	m.Statuses = copyStatuses(m.Statuses)
	return m, changed, nil
}

func copyStatuses(in map[string]models.Status) map[string]models.Status {
	out := make(map[string]models.Status, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
