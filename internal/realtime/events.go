package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SonHoang2/secure-chat-app/internal/models"
)

// Wire event names.
const (
	EventSendPrivateMessage         = "send-private-message"
	EventSendGroupMessage           = "send-group-message"
	EventNewPrivateMessage          = "new-private-message"
	EventNewGroupMessage            = "new-group-message"
	EventPrivateMessageSeen         = "private-message-seen"
	EventGroupMessageSeen           = "group-message-seen"
	EventPrivateMessageStatusUpdate = "private-message-status-update"
	EventGroupMessageStatusUpdate   = "group-message-status-update"
	EventReauthenticate             = "reauthenticate"
	EventPresence                   = "presence"
	EventError                      = "error"
)

// Error codes carried by ErrorEvent.
const (
	CodeUnauthenticated = "channel-unauthenticated"
	CodeInvalidEvent    = "invalid-event"
	CodeForbidden       = "forbidden"
)

var (
	ErrUnknownEvent           = errors.New("unknown event")
	ErrChannelUnauthenticated = errors.New("channel unauthenticated")
	ErrForbidden              = errors.New("forbidden")
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Payload shapes. Several events share one shape; each event still gets its
// own named type below so the variant stays closed.

// OutgoingMessage is a private message submitted by its sender. SelfCopy is
// an optional envelope sealed to the sender's own key so history stays
// readable on other devices. ClientID is the sender's local id for the
// message; the server echoes it in the Sent update and in any error.
type OutgoingMessage struct {
	ConversationID string `json:"conversationId"`
	models.Envelope
	SelfCopy *models.Envelope `json:"selfCopy,omitempty"`
	ClientID string           `json:"clientId,omitempty"`
}

// OutgoingGroupMessage carries one envelope per recipient. The sender may
// include an entry for itself.
type OutgoingGroupMessage struct {
	ConversationID string                     `json:"conversationId"`
	Recipients     map[string]models.Envelope `json:"recipients"`
	ClientID       string                     `json:"clientId,omitempty"`
}

// IncomingMessage is a message as pushed to one recipient.
type IncomingMessage struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	models.Envelope
	CreatedAt time.Time `json:"createdAt"`
}

// SeenAck is sent by a recipient once a message has been displayed.
type SeenAck struct {
	SenderID       string `json:"senderId"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// StatusChange reports a status transition to the message's sender. UserID
// names the recipient for group updates; an empty UserID on a group update
// applies to every recipient.
type StatusChange struct {
	SenderID        string        `json:"senderId"`
	MessageID       string        `json:"messageId"`
	ConversationID  string        `json:"conversationId"`
	MessageStatusID string        `json:"messageStatusId"`
	Status          models.Status `json:"status"`
	UserID          string        `json:"userId,omitempty"`
	ClientID        string        `json:"clientId,omitempty"`
}

// Client to server.
type (
	SendPrivateMessage OutgoingMessage
	SendGroupMessage   OutgoingGroupMessage
	PrivateMessageSeen SeenAck
	GroupMessageSeen   SeenAck
	Reauthenticate     struct {
		AccessToken string `json:"accessToken"`
	}
)

// Server to client.
type (
	NewPrivateMessage          IncomingMessage
	NewGroupMessage            IncomingMessage
	PrivateMessageStatusUpdate StatusChange
	GroupMessageStatusUpdate   StatusChange
	Presence                   struct {
		UserID string `json:"userId"`
		Online bool   `json:"online"`
	}
	ErrorEvent struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Event    string `json:"event,omitempty"`
		ClientID string `json:"clientId,omitempty"`
	}
)

// InboundEvent is the closed set of events a client may send.
type InboundEvent interface {
	Name() string
	inbound()
}

// OutboundEvent is the closed set of events the server pushes.
type OutboundEvent interface {
	Name() string
	outbound()
}

func (SendPrivateMessage) Name() string { return EventSendPrivateMessage }
func (SendGroupMessage) Name() string   { return EventSendGroupMessage }
func (PrivateMessageSeen) Name() string { return EventPrivateMessageSeen }
func (GroupMessageSeen) Name() string   { return EventGroupMessageSeen }
func (Reauthenticate) Name() string     { return EventReauthenticate }

func (SendPrivateMessage) inbound() {}
func (SendGroupMessage) inbound()   {}
func (PrivateMessageSeen) inbound() {}
func (GroupMessageSeen) inbound()   {}
func (Reauthenticate) inbound()     {}

func (NewPrivateMessage) Name() string          { return EventNewPrivateMessage }
func (NewGroupMessage) Name() string            { return EventNewGroupMessage }
func (PrivateMessageStatusUpdate) Name() string { return EventPrivateMessageStatusUpdate }
func (GroupMessageStatusUpdate) Name() string   { return EventGroupMessageStatusUpdate }
func (Presence) Name() string                   { return EventPresence }
func (ErrorEvent) Name() string                 { return EventError }

func (NewPrivateMessage) outbound()          {}
func (NewGroupMessage) outbound()            {}
func (PrivateMessageStatusUpdate) outbound() {}
func (GroupMessageStatusUpdate) outbound()   {}
func (Presence) outbound()                   {}
func (ErrorEvent) outbound()                 {}

// ServerHandler has one method per inbound event kind.
type ServerHandler interface {
	OnSendPrivateMessage(ctx context.Context, ev SendPrivateMessage) error
	OnSendGroupMessage(ctx context.Context, ev SendGroupMessage) error
	OnPrivateMessageSeen(ctx context.Context, ev PrivateMessageSeen) error
	OnGroupMessageSeen(ctx context.Context, ev GroupMessageSeen) error
	OnReauthenticate(ctx context.Context, ev Reauthenticate) error
}

// ClientHandler has one method per outbound event kind.
type ClientHandler interface {
	OnNewPrivateMessage(ev NewPrivateMessage)
	OnNewGroupMessage(ev NewGroupMessage)
	OnPrivateMessageStatusUpdate(ev PrivateMessageStatusUpdate)
	OnGroupMessageStatusUpdate(ev GroupMessageStatusUpdate)
	OnPresence(ev Presence)
	OnError(ev ErrorEvent)
}

// Dispatch routes an inbound event to its handler method.
func Dispatch(ctx context.Context, ev InboundEvent, h ServerHandler) error {
	switch e := ev.(type) {
	case SendPrivateMessage:
		return h.OnSendPrivateMessage(ctx, e)
	case SendGroupMessage:
		return h.OnSendGroupMessage(ctx, e)
	case PrivateMessageSeen:
		return h.OnPrivateMessageSeen(ctx, e)
	case GroupMessageSeen:
		return h.OnGroupMessageSeen(ctx, e)
	case Reauthenticate:
		return h.OnReauthenticate(ctx, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

// DispatchClient routes an outbound event to its handler method.
func DispatchClient(ev OutboundEvent, h ClientHandler) error {
	switch e := ev.(type) {
	case NewPrivateMessage:
		h.OnNewPrivateMessage(e)
	case NewGroupMessage:
		h.OnNewGroupMessage(e)
	case PrivateMessageStatusUpdate:
		h.OnPrivateMessageStatusUpdate(e)
	case GroupMessageStatusUpdate:
		h.OnGroupMessageStatusUpdate(e)
	case Presence:
		h.OnPresence(e)
	case ErrorEvent:
		h.OnError(e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return nil
}

// Encode wraps an event in a Frame.
func Encode(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(Frame{Event: name, Data: data})
}

// EncodeOutbound encodes a server event.
func EncodeOutbound(ev OutboundEvent) ([]byte, error) { return Encode(ev.Name(), ev) }

// EncodeInbound encodes a client event.
func EncodeInbound(ev InboundEvent) ([]byte, error) { return Encode(ev.Name(), ev) }

func decodeAs[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// DecodeInbound parses a client frame.
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEvent, err)
	}
	var (
		ev  InboundEvent
		err error
	)
	switch f.Event {
	case EventSendPrivateMessage:
		ev, err = decodeAs[SendPrivateMessage](f.Data)
	case EventSendGroupMessage:
		ev, err = decodeAs[SendGroupMessage](f.Data)
	case EventPrivateMessageSeen:
		ev, err = decodeAs[PrivateMessageSeen](f.Data)
	case EventGroupMessageSeen:
		ev, err = decodeAs[GroupMessageSeen](f.Data)
	case EventReauthenticate:
		ev, err = decodeAs[Reauthenticate](f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return ev, nil
}

// DecodeOutbound parses a server frame.
func DecodeOutbound(raw []byte) (OutboundEvent, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEvent, err)
	}
	var (
		ev  OutboundEvent
		err error
	)
	switch f.Event {
	case EventNewPrivateMessage:
		ev, err = decodeAs[NewPrivateMessage](f.Data)
	case EventNewGroupMessage:
		ev, err = decodeAs[NewGroupMessage](f.Data)
	case EventPrivateMessageStatusUpdate:
		ev, err = decodeAs[PrivateMessageStatusUpdate](f.Data)
	case EventGroupMessageStatusUpdate:
		ev, err = decodeAs[GroupMessageStatusUpdate](f.Data)
	case EventPresence:
		ev, err = decodeAs[Presence](f.Data)
	case EventError:
		ev, err = decodeAs[ErrorEvent](f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return ev, nil
}
