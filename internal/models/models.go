package models

import (
	"errors"
	"time"
)

// User represents a user in the system. The server only ever holds public key material.
type User struct {
	Username          string `json:"username"`
	IdentityPublicKey []byte `json:"identity_public_key"` // Ed25519, proves login challenges
	ExchangePublicKey []byte `json:"exchange_public_key"` // X25519, recipients' message key
}

// AuthChallenge is a login nonce handed to a user.
type AuthChallenge struct {
	Username string `json:"username"`
	Nonce    string `json:"nonce"`
}

// AuthResponse is the signed nonce sent back by the user.
type AuthResponse struct {
	Username  string `json:"username"`
	Nonce     string `json:"nonce"`
	Signature []byte `json:"signature"`
}

// Session is an access/refresh token pair bound to one user.
type Session struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	UserID           string    `json:"user_id"`
	IssuedAt         time.Time `json:"issued_at"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Role of a participant inside a conversation.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Participant is one member of a conversation.
type Participant struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Conversation is a private (exactly two participants) or group (two or more) chat.
type Conversation struct {
	ID           string        `json:"id"`
	Title        string        `json:"title,omitempty"`
	IsGroup      bool          `json:"isGroup"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"createdAt"`
}

var (
	ErrPrivateParticipants = errors.New("private conversation needs exactly 2 participants")
	ErrGroupParticipants   = errors.New("group conversation needs at least 2 participants")
	ErrDuplicateMember     = errors.New("duplicate participant")
)

// Validate checks the membership invariants.
func (c Conversation) Validate() error {
	seen := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		if seen[p.UserID] {
			return ErrDuplicateMember
		}
		seen[p.UserID] = true
	}
	if c.IsGroup {
		if len(c.Participants) < 2 {
			return ErrGroupParticipants
		}
		return nil
	}
	if len(c.Participants) != 2 {
		return ErrPrivateParticipants
	}
	return nil
}

// HasParticipant reports whether userID is a member.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Recipients returns every participant except senderID, in membership order.
func (c Conversation) Recipients(senderID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != senderID {
			out = append(out, p.UserID)
		}
	}
	return out
}

// Envelope is one recipient's copy of an encrypted message body.
type Envelope struct {
	Ciphertext         []byte `json:"ciphertext"`
	IV                 []byte `json:"iv"`
	EphemeralPublicKey []byte `json:"ephemeralPublicKey"`
}

// Message is an encrypted chat message. Only Statuses changes after creation.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Envelopes      map[string]Envelope `json:"envelopes"` // keyed by recipient id, may include the sender's own copy
	CreatedAt      time.Time           `json:"createdAt"`
	Statuses       map[string]Status   `json:"statuses"` // keyed by recipient id, never the sender
}

// StatusFor returns the recipient's status, or StatusSending when there is no entry.
func (m Message) StatusFor(recipientID string) Status {
	if s, ok := m.Statuses[recipientID]; ok {
		return s
	}
	return StatusSending
}

// ConversationStatus collapses the status mapping of a private conversation to its single value.
// For groups it returns the lowest status across recipients.
func (m Message) ConversationStatus() Status {
	if len(m.Statuses) == 0 {
		return StatusSending
	}
	low := StatusSeen
	for _, s := range m.Statuses {
		if s < low {
			low = s
		}
	}
	return low
}

// ForViewer returns a copy of m carrying only the envelope addressed to viewerID.
func (m Message) ForViewer(viewerID string) Message {
	out := m
	out.Envelopes = nil
	if env, ok := m.Envelopes[viewerID]; ok {
		out.Envelopes = map[string]Envelope{viewerID: env}
	}
	out.Statuses = make(map[string]Status, len(m.Statuses))
	for k, v := range m.Statuses {
		out.Statuses[k] = v
	}
	return out
}
