// Package delivery keeps the client's view of every conversation: which
// messages exist locally and how far each recipient has progressed through
// Sending < Sent < Delivered < Seen.
//
// Each conversation is owned by one state value. All changes go through
// Apply with one of four commands (LocalSend, LocalFail, RemoteArrive,
// StatusUpdate), so the order of commands fully determines the resulting
// state.
package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SonHoang2/secure-chat-app/internal/models"
)

// ErrDeliveryRaceIgnored marks a status update that changed nothing: a
// regression, a repeat, or an update for a message that never showed up.
var ErrDeliveryRaceIgnored = errors.New("delivery race ignored")

// maxBuffered bounds the status updates held for messages not yet seen
// locally, per conversation.
const maxBuffered = 256

// Item is one message as the local user sees it.
type Item struct {
	models.Message
	LocalID string // set for messages composed on this client
	Body    string
	Failed  bool // the body could not be decrypted, or the send never reached the server
}

// Pending reports whether the server has not acknowledged the message yet.
func (it Item) Pending() bool { return it.ID == "" }

func (it Item) awaitingAck(self string) bool {
	return it.Pending() && !it.Failed && it.SenderID == self
}

func (it Item) clone() Item {
	out := it
	out.Envelopes = nil
	out.Statuses = make(map[string]models.Status, len(it.Statuses))
	for k, v := range it.Statuses {
		out.Statuses[k] = v
	}
	return out
}

// LastSeen is how far one participant has read.
type LastSeen struct {
	UserID    string
	MessageID string // empty if nothing has been seen
}

// Command is a change to one conversation.
type Command interface {
	conversation() string
}

// LocalSend records a message the user just submitted.
type LocalSend struct {
	ConversationID string
	LocalID        string
	Body           string
}

// LocalFail marks a local send that will never be acknowledged.
type LocalFail struct {
	ConversationID string
	LocalID        string
}

// RemoteArrive records a message received from the server. DecryptErr is
// the outcome of decrypting it.
type RemoteArrive struct {
	Message    models.Message
	Body       string
	DecryptErr error
}

// StatusUpdate advances a recipient's status. An empty RecipientID means
// every recipient. LocalID, when the server echoes it, names the
// placeholder the update acknowledges.
type StatusUpdate struct {
	ConversationID string
	MessageID      string
	RecipientID    string
	Status         models.Status
	LocalID        string
}

func (c LocalSend) conversation() string    { return c.ConversationID }
func (c LocalFail) conversation() string    { return c.ConversationID }
func (c RemoteArrive) conversation() string { return c.Message.ConversationID }
func (c StatusUpdate) conversation() string { return c.ConversationID }

type convState struct {
	mu       sync.Mutex
	info     models.Conversation
	known    bool
	items    []*Item
	byID     map[string]*Item
	buffered []StatusUpdate
}

// Tracker holds the conversations of one user.
type Tracker struct {
	self     string
	mu       sync.Mutex
	convs    map[string]*convState
	now      func() time.Time
	log      *slog.Logger
	onChange func(Item)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.log = l } }

// WithOnChange registers a callback run after every item change, outside
// any lock.
func WithOnChange(fn func(Item)) Option { return func(t *Tracker) { t.onChange = fn } }

// NewTracker returns an empty tracker for user self.
func NewTracker(self string, opts ...Option) *Tracker {
	t := &Tracker{
		self:  self,
		convs: make(map[string]*convState),
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) state(convID string) *convState {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.convs[convID]
	if !ok {
		cs = &convState{info: models.Conversation{ID: convID}, byID: make(map[string]*Item)}
		t.convs[convID] = cs
	}
	return cs
}

// Track registers a conversation's membership.
func (t *Tracker) Track(conv models.Conversation) {
	cs := t.state(conv.ID)
	cs.mu.Lock()
	cs.info = conv
	cs.known = true
	cs.mu.Unlock()
}

// MarkSending records a local send before any acknowledgment and returns
// the placeholder's local id.
func (t *Tracker) MarkSending(conversationID, body string) string {
	id := uuid.NewString()
	_ = t.Apply(LocalSend{ConversationID: conversationID, LocalID: id, Body: body})
	return id
}

// Abandon marks the placeholder localID as failed so no acknowledgment
// binds to it.
func (t *Tracker) Abandon(conversationID, localID string) {
	_ = t.Apply(LocalFail{ConversationID: conversationID, LocalID: localID})
}

// Arrive records a received message. A decryption failure keeps the message
// visible in a failed state.
func (t *Tracker) Arrive(conversationID string, m models.Message, body string, decryptErr error) {
	m.ConversationID = conversationID
	_ = t.Apply(RemoteArrive{Message: m, Body: body, DecryptErr: decryptErr})
}

// ApplyStatusUpdate advances a status. It returns ErrDeliveryRaceIgnored
// when the update changes nothing; callers log and move on.
func (t *Tracker) ApplyStatusUpdate(conversationID, messageID, recipientID string, s models.Status) error {
	return t.Apply(StatusUpdate{
		ConversationID: conversationID,
		MessageID:      messageID,
		RecipientID:    recipientID,
		Status:         s,
	})
}

// Apply runs one command against its conversation.
func (t *Tracker) Apply(cmd Command) error {
	cs := t.state(cmd.conversation())
	cs.mu.Lock()
	var (
		changed []Item
		err     error
	)
	switch c := cmd.(type) {
	case LocalSend:
		changed = t.localSend(cs, c)
	case LocalFail:
		changed = t.localFail(cs, c)
	case RemoteArrive:
		changed = t.remoteArrive(cs, c)
	case StatusUpdate:
		changed, err = t.statusUpdate(cs, c)
	default:
		err = fmt.Errorf("unknown command %T", cmd)
	}
	cs.mu.Unlock()

	if errors.Is(err, ErrDeliveryRaceIgnored) {
		t.log.Debug("status update ignored", "conversation", cmd.conversation(), "error", err)
	}
	if t.onChange != nil {
		for _, it := range changed {
			t.onChange(it)
		}
	}
	return err
}

func (t *Tracker) localSend(cs *convState, c LocalSend) []Item {
	it := &Item{
		Message: models.Message{
			ConversationID: c.ConversationID,
			SenderID:       t.self,
			CreatedAt:      t.now(),
			Statuses:       make(map[string]models.Status),
		},
		LocalID: c.LocalID,
		Body:    c.Body,
	}
	for _, r := range cs.info.Recipients(t.self) {
		it.Statuses[r] = models.StatusSending
	}
	cs.items = append(cs.items, it)
	return []Item{it.clone()}
}

func (t *Tracker) localFail(cs *convState, c LocalFail) []Item {
	for _, it := range cs.items {
		if it.LocalID == c.LocalID && it.Pending() && !it.Failed {
			it.Failed = true
			return []Item{it.clone()}
		}
	}
	return nil
}

func (t *Tracker) remoteArrive(cs *convState, c RemoteArrive) []Item {
	m := c.Message
	if existing, ok := cs.byID[m.ID]; ok {
		// Seen before (history refetch); only statuses can move.
		for r, s := range m.Statuses {
			existing.Statuses[r], _ = models.Advance(existing.StatusFor(r), s)
		}
		return []Item{existing.clone()}
	}
	it := &Item{Message: m, Body: c.Body, Failed: c.DecryptErr != nil}
	it.Envelopes = nil
	if it.Statuses == nil {
		it.Statuses = make(map[string]models.Status)
	}
	if it.Failed {
		it.Body = ""
		t.log.Warn("message could not be decrypted", "conversation", m.ConversationID, "message", m.ID)
	}
	cs.items = append(cs.items, it)
	cs.byID[m.ID] = it
	return append([]Item{it.clone()}, t.replay(cs, m.ID)...)
}

func (t *Tracker) statusUpdate(cs *convState, c StatusUpdate) ([]Item, error) {
	if !c.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %d", ErrDeliveryRaceIgnored, c.Status)
	}
	it, ok := cs.byID[c.MessageID]
	if !ok && (c.LocalID != "" || c.Status == models.StatusSent) {
		it = t.bindPlaceholder(cs, c.MessageID, c.LocalID)
	}
	if it == nil {
		if len(cs.buffered) >= maxBuffered {
			cs.buffered = cs.buffered[1:]
		}
		cs.buffered = append(cs.buffered, c)
		return nil, nil
	}
	changed := t.advance(cs, it, c)
	out := []Item{}
	if changed {
		out = append(out, it.clone())
	}
	if !ok {
		// The placeholder just got its id; older updates may be waiting.
		out = append(out, t.replay(cs, c.MessageID)...)
	}
	if !changed {
		return out, fmt.Errorf("%w: message %s already at or past %s", ErrDeliveryRaceIgnored, c.MessageID, c.Status)
	}
	return out, nil
}

// bindPlaceholder gives an unacknowledged local send its durable id. With
// an echoed local id only that placeholder matches. Otherwise the oldest one
// wins: sends on one channel are acknowledged in submission order. Only a
// Sent acknowledgment binds without a local id; later statuses for an
// unknown id belong to a send from another device.
func (t *Tracker) bindPlaceholder(cs *convState, messageID, localID string) *Item {
	for _, it := range cs.items {
		if !it.awaitingAck(t.self) || (localID != "" && it.LocalID != localID) {
			continue
		}
		it.ID = messageID
		cs.byID[messageID] = it
		return it
	}
	return nil
}

// caller holds cs.mu
func (t *Tracker) advance(cs *convState, it *Item, c StatusUpdate) bool {
	targets := []string{c.RecipientID}
	switch {
	case !cs.info.IsGroup && cs.known:
		// Private: one counterpart, whatever the update says.
		targets = cs.info.Recipients(it.SenderID)
	case c.RecipientID == "" && len(it.Statuses) > 0:
		targets = targets[:0]
		for r := range it.Statuses {
			targets = append(targets, r)
		}
	}
	changed := false
	for _, r := range targets {
		next, ok := models.Advance(it.StatusFor(r), c.Status)
		if ok {
			it.Statuses[r] = next
			changed = true
		}
	}
	return changed
}

// replay applies buffered updates addressed to messageID. caller holds cs.mu
func (t *Tracker) replay(cs *convState, messageID string) []Item {
	it := cs.byID[messageID]
	if it == nil {
		return nil
	}
	keep := cs.buffered[:0]
	changed := false
	for _, c := range cs.buffered {
		if c.MessageID != messageID {
			keep = append(keep, c)
			continue
		}
		if t.advance(cs, it, c) {
			changed = true
		}
	}
	cs.buffered = keep
	if changed {
		return []Item{it.clone()}
	}
	return nil
}

// Messages returns a snapshot of a conversation in arrival order.
func (t *Tracker) Messages(conversationID string) []Item {
	cs := t.state(conversationID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Item, 0, len(cs.items))
	for _, it := range cs.items {
		out = append(out, it.clone())
	}
	return out
}

// Find returns the item with the given durable or local id.
func (t *Tracker) Find(conversationID, id string) (Item, bool) {
	cs := t.state(conversationID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, it := range cs.items {
		if it.ID == id || (it.LocalID != "" && it.LocalID == id) {
			return it.clone(), true
		}
	}
	return Item{}, false
}

// DeriveConversationLastSeen reports, for every participant other than the
// local user, the most recent message that participant has seen. Messages
// without a status entry count as unseen.
func (t *Tracker) DeriveConversationLastSeen(conversationID string) []LastSeen {
	cs := t.state(conversationID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	others := cs.info.Recipients(t.self)
	if !cs.known {
		seen := map[string]bool{}
		for _, it := range cs.items {
			for r := range it.Statuses {
				if r != t.self && !seen[r] {
					seen[r] = true
					others = append(others, r)
				}
			}
		}
	}

	out := make([]LastSeen, 0, len(others))
	for _, p := range others {
		ls := LastSeen{UserID: p}
		for i := len(cs.items) - 1; i >= 0; i-- {
			it := cs.items[i]
			if s, ok := it.Statuses[p]; ok && s == models.StatusSeen {
				ls.MessageID = it.ID
				break
			}
		}
		out = append(out, ls)
	}
	return out
}
