package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SonHoang2/secure-chat-app/internal/crypto"
	"github.com/SonHoang2/secure-chat-app/internal/delivery"
	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/realtime"
)

var ErrUnknownConversation = errors.New("unknown conversation")

const (
	outboxSize     = 256
	handlerTimeout = 10 * time.Second
)

// Sender queues events for the server. *Channel implements it.
type Sender interface {
	Send(ev realtime.InboundEvent) error
}

type outgoing struct {
	conv    models.Conversation
	localID string
	body    string
}

// Chat is one logged-in user's view of their conversations. It encrypts
// outgoing messages, decrypts incoming ones and keeps the delivery tracker
// current. It implements realtime.ClientHandler.
type Chat struct {
	self     string
	api      *API
	sessions *SessionManager
	out      Sender
	keys     *crypto.ExchangeKeyPair
	tracker  *delivery.Tracker
	log      *slog.Logger

	mu      sync.Mutex
	convs   map[string]models.Conversation
	pubKeys map[string]*[32]byte
	viewing map[string]bool
	online  map[string]bool

	outbox     chan outgoing
	onItem     func(delivery.Item)
	onPresence func(realtime.Presence)
	onError    func(realtime.ErrorEvent)
}

// ChatOption configures a Chat.
type ChatOption func(*Chat)

// WithItemChanged is called after every change to a message.
func WithItemChanged(fn func(delivery.Item)) ChatOption {
	return func(c *Chat) { c.onItem = fn }
}

// WithPresenceChanged is called when a contact comes online or goes away.
func WithPresenceChanged(fn func(realtime.Presence)) ChatOption {
	return func(c *Chat) { c.onPresence = fn }
}

// WithServerError is called for every error event from the server.
func WithServerError(fn func(realtime.ErrorEvent)) ChatOption {
	return func(c *Chat) { c.onError = fn }
}

func NewChat(api *API, sessions *SessionManager, out Sender, keys *crypto.ExchangeKeyPair, opts ...ChatOption) *Chat {
	c := &Chat{
		self:     sessions.Current().UserID,
		api:      api,
		sessions: sessions,
		out:      out,
		keys:     keys,
		log:      slog.Default(),
		convs:    make(map[string]models.Conversation),
		pubKeys:  make(map[string]*[32]byte),
		viewing:  make(map[string]bool),
		online:   make(map[string]bool),
		outbox:   make(chan outgoing, outboxSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracker = delivery.NewTracker(c.self, delivery.WithOnChange(func(it delivery.Item) {
		if c.onItem != nil {
			c.onItem(it)
		}
	}))
	c.pubKeys[c.self] = c.keys.Public
	return c
}

// Tracker exposes the delivery state for display.
func (c *Chat) Tracker() *delivery.Tracker { return c.tracker }

// Load fetches the user's conversations and starts tracking them.
func (c *Chat) Load(ctx context.Context) ([]models.Conversation, error) {
	token, err := c.sessions.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := c.api.ListConversations(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	c.mu.Lock()
	for _, conv := range convs {
		c.convs[conv.ID] = conv
	}
	c.mu.Unlock()
	for _, conv := range convs {
		c.tracker.Track(conv)
	}
	return convs, nil
}

// Conversation returns a loaded conversation.
func (c *Chat) Conversation(id string) (models.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[id]
	return conv, ok
}

func (c *Chat) conversation(ctx context.Context, id string) (models.Conversation, error) {
	if conv, ok := c.Conversation(id); ok {
		return conv, nil
	}
	if _, err := c.Load(ctx); err != nil {
		return models.Conversation{}, err
	}
	if conv, ok := c.Conversation(id); ok {
		return conv, nil
	}
	return models.Conversation{}, fmt.Errorf("%w: %s", ErrUnknownConversation, id)
}

// LoadHistory fetches a conversation's messages and decrypts the local
// user's copy of each.
func (c *Chat) LoadHistory(ctx context.Context, convID string) ([]delivery.Item, error) {
	if _, err := c.conversation(ctx, convID); err != nil {
		return nil, err
	}
	token, err := c.sessions.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := c.api.ListMessages(ctx, token, convID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs {
		env, ok := m.Envelopes[c.self]
		body, derr := c.open(env, ok)
		c.tracker.Arrive(convID, m, body, derr)
	}
	return c.tracker.Messages(convID), nil
}

func (c *Chat) open(env models.Envelope, present bool) (string, error) {
	if !present || len(env.Ciphertext) == 0 {
		return "", crypto.ErrDecryptionFailed
	}
	pt, err := crypto.Decrypt(c.keys.Private, env)
	if err != nil {
		return "", err
	}
	body := string(pt)
	crypto.Wipe(pt)
	return body, nil
}

// Open loads a conversation, marks it as being viewed and acknowledges
// every message from others that has not been seen yet. Messages arriving
// while it stays open are acknowledged as they come in.
func (c *Chat) Open(ctx context.Context, convID string) ([]delivery.Item, error) {
	items, err := c.LoadHistory(ctx, convID)
	if err != nil {
		return nil, err
	}
	conv, _ := c.Conversation(convID)
	c.mu.Lock()
	c.viewing[convID] = true
	c.mu.Unlock()

	for _, it := range items {
		if it.SenderID != c.self && it.ID != "" && it.StatusFor(c.self) < models.StatusSeen {
			c.ackSeen(conv, it.ID, it.SenderID)
		}
	}
	return c.tracker.Messages(convID), nil
}

// Close stops acknowledging new messages in a conversation.
func (c *Chat) Close(convID string) {
	c.mu.Lock()
	delete(c.viewing, convID)
	c.mu.Unlock()
}

func (c *Chat) isViewing(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewing[convID]
}

func (c *Chat) ackSeen(conv models.Conversation, messageID, senderID string) {
	ack := realtime.SeenAck{SenderID: senderID, MessageID: messageID, ConversationID: conv.ID}
	var ev realtime.InboundEvent = realtime.PrivateMessageSeen(ack)
	if conv.IsGroup {
		ev = realtime.GroupMessageSeen(ack)
	}
	if err := c.out.Send(ev); err != nil {
		c.log.Warn("failed to queue seen ack", "message", messageID, "error", err)
		return
	}
	_ = c.tracker.ApplyStatusUpdate(conv.ID, messageID, c.self, models.StatusSeen)
}

// Send records body as pending and queues it for encryption. It returns the
// placeholder's local id; the tracker binds the server id once the server
// acknowledges it.
func (c *Chat) Send(ctx context.Context, convID, body string) (string, error) {
	conv, err := c.conversation(ctx, convID)
	if err != nil {
		return "", err
	}
	localID := c.tracker.MarkSending(convID, body)
	select {
	case c.outbox <- outgoing{conv: conv, localID: localID, body: body}:
		return localID, nil
	case <-ctx.Done():
		c.tracker.Abandon(convID, localID)
		return "", ctx.Err()
	}
}

// Run encrypts and hands queued sends to the channel one at a time, so the
// server sees them in submission order.
func (c *Chat) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-c.outbox:
			if err := c.deliver(ctx, o); err != nil {
				c.log.Warn("send failed", "conversation", o.conv.ID, "error", err)
				c.tracker.Abandon(o.conv.ID, o.localID)
			}
		}
	}
}

func (c *Chat) deliver(ctx context.Context, o outgoing) error {
	keys := make(map[string]*[32]byte, len(o.conv.Participants))
	for _, p := range o.conv.Participants {
		pub, err := c.publicKey(ctx, p.UserID)
		if err != nil {
			return err
		}
		keys[p.UserID] = pub
	}
	envs, err := crypto.EncryptForRecipients(keys, []byte(o.body))
	if err != nil {
		return err
	}

	if o.conv.IsGroup {
		return c.out.Send(realtime.SendGroupMessage{
			ConversationID: o.conv.ID,
			Recipients:     envs,
			ClientID:       o.localID,
		})
	}
	recipient := o.conv.Recipients(c.self)[0]
	self := envs[c.self]
	return c.out.Send(realtime.SendPrivateMessage{
		ConversationID: o.conv.ID,
		Envelope:       envs[recipient],
		SelfCopy:       &self,
		ClientID:       o.localID,
	})
}

func (c *Chat) publicKey(ctx context.Context, userID string) (*[32]byte, error) {
	c.mu.Lock()
	pub, ok := c.pubKeys[userID]
	c.mu.Unlock()
	if ok {
		return pub, nil
	}
	u, err := c.api.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch key for %s: %w", userID, err)
	}
	pub, err = crypto.KeyFromBytes(u.ExchangePublicKey)
	if err != nil {
		return nil, fmt.Errorf("key for %s: %w", userID, err)
	}
	c.mu.Lock()
	c.pubKeys[userID] = pub
	c.mu.Unlock()
	return pub, nil
}

// Online reports the last presence seen for a contact.
func (c *Chat) Online(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[userID]
}

func (c *Chat) OnNewPrivateMessage(ev realtime.NewPrivateMessage) {
	c.receive(realtime.IncomingMessage(ev))
}

func (c *Chat) OnNewGroupMessage(ev realtime.NewGroupMessage) {
	c.receive(realtime.IncomingMessage(ev))
}

func (c *Chat) receive(in realtime.IncomingMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	conv, err := c.conversation(ctx, in.ConversationID)
	if err != nil {
		c.log.Warn("message for unknown conversation", "conversation", in.ConversationID, "error", err)
		return
	}

	body, derr := c.open(in.Envelope, true)
	c.tracker.Arrive(conv.ID, models.Message{
		ID:        in.MessageID,
		SenderID:  in.SenderID,
		CreatedAt: in.CreatedAt,
		Statuses:  map[string]models.Status{c.self: models.StatusDelivered},
	}, body, derr)

	if c.isViewing(conv.ID) {
		c.ackSeen(conv, in.MessageID, in.SenderID)
	}
}

func (c *Chat) OnPrivateMessageStatusUpdate(ev realtime.PrivateMessageStatusUpdate) {
	c.statusChanged(realtime.StatusChange(ev))
}

func (c *Chat) OnGroupMessageStatusUpdate(ev realtime.GroupMessageStatusUpdate) {
	c.statusChanged(realtime.StatusChange(ev))
}

func (c *Chat) statusChanged(sc realtime.StatusChange) {
	err := c.tracker.Apply(delivery.StatusUpdate{
		ConversationID: sc.ConversationID,
		MessageID:      sc.MessageID,
		RecipientID:    sc.UserID,
		Status:         sc.Status,
		LocalID:        sc.ClientID,
	})
	if err != nil && !errors.Is(err, delivery.ErrDeliveryRaceIgnored) {
		c.log.Warn("status update rejected", "message", sc.MessageID, "error", err)
	}
}

func (c *Chat) OnPresence(ev realtime.Presence) {
	c.mu.Lock()
	c.online[ev.UserID] = ev.Online
	c.mu.Unlock()
	if c.onPresence != nil {
		c.onPresence(ev)
	}
}

// OnError fails the send the server rejected, when it names one.
func (c *Chat) OnError(ev realtime.ErrorEvent) {
	c.log.Warn("server error", "code", ev.Code, "event", ev.Event, "message", ev.Message)
	if ev.ClientID != "" {
		c.abandon(ev.ClientID)
	}
	if c.onError != nil {
		c.onError(ev)
	}
}

func (c *Chat) abandon(localID string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.convs))
	for id := range c.convs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if it, ok := c.tracker.Find(id, localID); ok && it.Pending() {
			c.tracker.Abandon(id, localID)
			return
		}
	}
}
