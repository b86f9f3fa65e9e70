package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/realtime"
)

// Messenger stores and routes messages. It implements realtime.Service and
// realtime.RelayHandler.
//
// A sender always learns about Sent before the recipient sees the message,
// so the sender's status updates for one message arrive in lattice order
// from this instance. The instance that stored a message owns its statuses:
// deliveries on other instances come back as receipts, and acknowledgments
// for messages stored elsewhere are forwarded.
type Messenger struct {
	store   *Storage
	hub     *realtime.Hub
	metrics *Metrics
	now     func() time.Time
}

func NewMessenger(store *Storage, hub *realtime.Hub, metrics *Metrics) *Messenger {
	return &Messenger{store: store, hub: hub, metrics: metrics, now: time.Now}
}

func statusID(messageID, recipientID string) string {
	return messageID + ":" + recipientID
}

func validEnvelope(env models.Envelope) bool {
	return len(env.Ciphertext) > 0 && len(env.IV) > 0 && len(env.EphemeralPublicKey) > 0
}

func (m *Messenger) conversationFor(ctx context.Context, from, convID string, group bool) (models.Conversation, error) {
	conv, ok := m.store.GetConversation(ctx, convID)
	if !ok || !conv.HasParticipant(from) {
		return models.Conversation{}, fmt.Errorf("%w: not a member of %s", realtime.ErrForbidden, convID)
	}
	if conv.IsGroup != group {
		return models.Conversation{}, fmt.Errorf("conversation %s has the wrong kind for this event", convID)
	}
	return conv, nil
}

func (m *Messenger) SendPrivateMessage(ctx context.Context, from string, ev realtime.SendPrivateMessage) error {
	conv, err := m.conversationFor(ctx, from, ev.ConversationID, false)
	if err != nil {
		return err
	}
	if !validEnvelope(ev.Envelope) {
		return errors.New("incomplete envelope")
	}
	recipient := conv.Recipients(from)[0]

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       from,
		Envelopes:      map[string]models.Envelope{recipient: ev.Envelope},
		CreatedAt:      m.now().UTC(),
		Statuses:       map[string]models.Status{recipient: models.StatusSent},
	}
	if ev.SelfCopy != nil && validEnvelope(*ev.SelfCopy) {
		msg.Envelopes[from] = *ev.SelfCopy
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	m.metrics.MessageStored("private")

	m.hub.Send(ctx, from, realtime.PrivateMessageStatusUpdate{
		SenderID:        from,
		MessageID:       msg.ID,
		ConversationID:  conv.ID,
		MessageStatusID: statusID(msg.ID, recipient),
		Status:          models.StatusSent,
		ClientID:        ev.ClientID,
	})
	if m.hub.Send(ctx, recipient, realtime.NewPrivateMessage(incoming(msg, recipient))) {
		m.MarkDelivered(ctx, conv, msg, recipient)
	}
	return nil
}

func (m *Messenger) SendGroupMessage(ctx context.Context, from string, ev realtime.SendGroupMessage) error {
	conv, err := m.conversationFor(ctx, from, ev.ConversationID, true)
	if err != nil {
		return err
	}
	recipients := conv.Recipients(from)
	for _, r := range recipients {
		if env, ok := ev.Recipients[r]; !ok || !validEnvelope(env) {
			return fmt.Errorf("missing envelope for %s", r)
		}
	}
	for id := range ev.Recipients {
		if id != from && !conv.HasParticipant(id) {
			return fmt.Errorf("%w: %s is not a member of %s", realtime.ErrForbidden, id, conv.ID)
		}
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       from,
		Envelopes:      make(map[string]models.Envelope, len(ev.Recipients)),
		CreatedAt:      m.now().UTC(),
		Statuses:       make(map[string]models.Status, len(recipients)),
	}
	for id, env := range ev.Recipients {
		msg.Envelopes[id] = env
	}
	for _, r := range recipients {
		msg.Statuses[r] = models.StatusSent
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	m.metrics.MessageStored("group")

	// One update without a user id covers every recipient.
	m.hub.Send(ctx, from, realtime.GroupMessageStatusUpdate{
		SenderID:       from,
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		Status:         models.StatusSent,
		ClientID:       ev.ClientID,
	})
	for _, r := range recipients {
		if m.hub.Send(ctx, r, realtime.NewGroupMessage(incoming(msg, r))) {
			m.MarkDelivered(ctx, conv, msg, r)
		}
	}
	return nil
}

func incoming(msg models.Message, recipient string) realtime.IncomingMessage {
	return realtime.IncomingMessage{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Envelope:       msg.Envelopes[recipient],
		CreatedAt:      msg.CreatedAt,
	}
}

func (m *Messenger) MarkPrivateSeen(ctx context.Context, from string, ev realtime.PrivateMessageSeen) error {
	if m.storedElsewhere(ev.MessageID) {
		return m.hub.Forward(ctx, from, ev)
	}
	return m.markSeen(ctx, from, ev.ConversationID, ev.MessageID, false)
}

func (m *Messenger) MarkGroupSeen(ctx context.Context, from string, ev realtime.GroupMessageSeen) error {
	if m.storedElsewhere(ev.MessageID) {
		return m.hub.Forward(ctx, from, ev)
	}
	return m.markSeen(ctx, from, ev.ConversationID, ev.MessageID, true)
}

// storedElsewhere reports whether an acknowledgment must go to another
// instance.
func (m *Messenger) storedElsewhere(messageID string) bool {
	if !m.hub.Relaying() {
		return false
	}
	_, ok := m.store.messageMeta(messageID)
	return !ok
}

// RemoteDelivered records that another instance pushed a message stored
// here to a connection of userID.
func (m *Messenger) RemoteDelivered(ctx context.Context, userID string, ev realtime.OutboundEvent) {
	var in realtime.IncomingMessage
	switch e := ev.(type) {
	case realtime.NewPrivateMessage:
		in = realtime.IncomingMessage(e)
	case realtime.NewGroupMessage:
		in = realtime.IncomingMessage(e)
	default:
		return
	}
	conv, ok := m.store.GetConversation(ctx, in.ConversationID)
	if !ok {
		return
	}
	msg, ok := m.store.messageMeta(in.MessageID)
	if !ok || msg.ConversationID != conv.ID {
		return
	}
	m.MarkDelivered(ctx, conv, msg, userID)
}

// RelayedInbound applies an acknowledgment userID sent to another instance.
// Instances that do not hold the message ignore it.
func (m *Messenger) RelayedInbound(ctx context.Context, userID string, ev realtime.InboundEvent) {
	var err error
	switch e := ev.(type) {
	case realtime.PrivateMessageSeen:
		if _, ok := m.store.messageMeta(e.MessageID); !ok {
			return
		}
		err = m.markSeen(ctx, userID, e.ConversationID, e.MessageID, false)
	case realtime.GroupMessageSeen:
		if _, ok := m.store.messageMeta(e.MessageID); !ok {
			return
		}
		err = m.markSeen(ctx, userID, e.ConversationID, e.MessageID, true)
	default:
		return
	}
	if err != nil {
		slog.Warn("relayed acknowledgment rejected", "user", userID, "event", ev.Name(), "error", err)
	}
}

func (m *Messenger) markSeen(ctx context.Context, from, convID, messageID string, group bool) error {
	conv, err := m.conversationFor(ctx, from, convID, group)
	if err != nil {
		return err
	}
	msg, ok := m.store.messageMeta(messageID)
	if !ok || msg.ConversationID != conv.ID {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if msg.SenderID == from {
		return fmt.Errorf("%w: cannot acknowledge own message", realtime.ErrForbidden)
	}
	updated, changed, err := m.store.AdvanceStatus(ctx, messageID, from, models.StatusSeen)
	if err != nil {
		return err
	}
	if changed {
		m.notifySender(ctx, conv, updated, from, models.StatusSeen)
	}
	return nil
}

// MarkDelivered advances recipient to Delivered and tells the sender. It is
// used when a live connection takes the message and when the recipient
// fetches history.
func (m *Messenger) MarkDelivered(ctx context.Context, conv models.Conversation, msg models.Message, recipient string) (models.Message, bool) {
	updated, changed, err := m.store.AdvanceStatus(ctx, msg.ID, recipient, models.StatusDelivered)
	if err != nil {
		slog.Warn("failed to record delivery", "message", msg.ID, "recipient", recipient, "error", err)
		return msg, false
	}
	if changed {
		m.notifySender(ctx, conv, updated, recipient, models.StatusDelivered)
	}
	return updated, changed
}

func (m *Messenger) notifySender(ctx context.Context, conv models.Conversation, msg models.Message, recipient string, s models.Status) {
	change := realtime.StatusChange{
		SenderID:        msg.SenderID,
		MessageID:       msg.ID,
		ConversationID:  conv.ID,
		MessageStatusID: statusID(msg.ID, recipient),
		Status:          s,
	}
	if conv.IsGroup {
		change.UserID = recipient
		m.hub.Send(ctx, msg.SenderID, realtime.GroupMessageStatusUpdate(change))
		return
	}
	m.hub.Send(ctx, msg.SenderID, realtime.PrivateMessageStatusUpdate(change))
}

func (m *Messenger) Connected(ctx context.Context, userID string) {
	m.presence(ctx, userID, true)
}

func (m *Messenger) Disconnected(ctx context.Context, userID string) {
	m.presence(ctx, userID, false)
}

func (m *Messenger) presence(ctx context.Context, userID string, online bool) {
	for _, peer := range m.store.Contacts(ctx, userID) {
		m.hub.Send(ctx, peer, realtime.Presence{UserID: userID, Online: online})
	}
}
