package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Observer receives channel metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	EventReceived(name string)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()    {}
func (nopObserver) ConnectionClosed()    {}
func (nopObserver) EventReceived(string) {}

// BrokerKind says what a relayed frame is for.
type BrokerKind string

const (
	// KindFrame is an outbound event for the connections of UserID.
	KindFrame BrokerKind = ""

	// KindReceipt tells the Target instance that a new message it relayed
	// reached a connection of UserID. Frame is the relayed message.
	KindReceipt BrokerKind = "receipt"

	// KindInbound is an event UserID sent to an instance that does not hold
	// the message it refers to.
	KindInbound BrokerKind = "inbound"
)

// BrokerMessage is a frame addressed to one user, relayed between server
// instances.
type BrokerMessage struct {
	Kind   BrokerKind
	Origin string
	Target string
	UserID string
	Frame  []byte
}

// RelayHandler applies events that crossed instances. The instance that
// stored a message owns its statuses, so receipts and forwarded
// acknowledgments end up there.
type RelayHandler interface {
	RemoteDelivered(ctx context.Context, userID string, ev OutboundEvent)
	RelayedInbound(ctx context.Context, userID string, ev InboundEvent)
}

// Broker relays frames to the connections held by other server instances.
type Broker interface {
	Publish(ctx context.Context, msg BrokerMessage) error
	// Consume blocks, calling fn for every relayed frame, until ctx is done.
	Consume(ctx context.Context, fn func(BrokerMessage)) error
	Close() error
}

// Hub tracks the live connections of every user on this instance.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]map[*Conn]struct{}
	broker   Broker
	relay    RelayHandler
	origin   string
	observer Observer
	log      *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBroker relays events to other instances through b.
func WithBroker(b Broker) HubOption { return func(h *Hub) { h.broker = b } }

// WithObserver attaches channel metrics.
func WithObserver(o Observer) HubOption { return func(h *Hub) { h.observer = o } }

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) HubOption { return func(h *Hub) { h.log = l } }

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		conns:    make(map[string]map[*Conn]struct{}),
		origin:   uuid.NewString(),
		observer: nopObserver{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// register adds c and reports whether it is the user's first connection.
func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
	h.observer.ConnectionOpened()
	return len(set) == 1
}

// unregister removes c and reports whether the user has no connections left.
func (h *Hub) unregister(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	h.observer.ConnectionClosed()
	if len(set) == 0 {
		delete(h.conns, c.userID)
		return true
	}
	return false
}

// Online reports whether userID has a live connection on this instance.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// Send pushes ev to every connection of userID and, when a broker is set,
// to the other instances. It reports whether a local connection took it.
func (h *Hub) Send(ctx context.Context, userID string, ev OutboundEvent) bool {
	frame, err := EncodeOutbound(ev)
	if err != nil {
		h.log.Error("failed to encode event", "event", ev.Name(), "error", err)
		return false
	}
	n := h.deliverLocal(userID, frame)
	if h.broker != nil {
		msg := BrokerMessage{Origin: h.origin, UserID: userID, Frame: frame}
		if err := h.broker.Publish(ctx, msg); err != nil {
			h.log.Warn("failed to relay event", "event", ev.Name(), "user", userID, "error", err)
		}
	}
	return n > 0
}

func (h *Hub) deliverLocal(userID string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			n++
		}
	}
	return n
}

// SetRelayHandler installs r. Call it before Run.
func (h *Hub) SetRelayHandler(r RelayHandler) { h.relay = r }

// Relaying reports whether events cross to other instances.
func (h *Hub) Relaying() bool { return h.broker != nil }

// Forward hands ev, sent by userID, to the other instances.
func (h *Hub) Forward(ctx context.Context, userID string, ev InboundEvent) error {
	if h.broker == nil {
		return errors.New("no broker configured")
	}
	frame, err := EncodeInbound(ev)
	if err != nil {
		return err
	}
	return h.broker.Publish(ctx, BrokerMessage{Kind: KindInbound, Origin: h.origin, UserID: userID, Frame: frame})
}

// Run relays broker traffic to local connections until ctx is done. Without
// a broker it just waits.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		<-ctx.Done()
		return nil
	}
	return h.broker.Consume(ctx, func(msg BrokerMessage) {
		if msg.Origin == h.origin {
			return
		}
		h.relayed(ctx, msg)
	})
}

func (h *Hub) relayed(ctx context.Context, msg BrokerMessage) {
	switch msg.Kind {
	case KindFrame:
		if h.deliverLocal(msg.UserID, msg.Frame) == 0 || !carriesMessage(msg.Frame) {
			return
		}
		receipt := BrokerMessage{
			Kind:   KindReceipt,
			Origin: h.origin,
			Target: msg.Origin,
			UserID: msg.UserID,
			Frame:  msg.Frame,
		}
		if err := h.broker.Publish(ctx, receipt); err != nil {
			h.log.Warn("failed to send delivery receipt", "user", msg.UserID, "error", err)
		}
	case KindReceipt:
		if msg.Target != h.origin || h.relay == nil {
			return
		}
		ev, err := DecodeOutbound(msg.Frame)
		if err != nil {
			h.log.Warn("bad relayed receipt", "error", err)
			return
		}
		h.relay.RemoteDelivered(ctx, msg.UserID, ev)
	case KindInbound:
		if h.relay == nil {
			return
		}
		ev, err := DecodeInbound(msg.Frame)
		if err != nil {
			h.log.Warn("bad relayed event", "error", err)
			return
		}
		h.relay.RelayedInbound(ctx, msg.UserID, ev)
	default:
		h.log.Debug("unknown relayed kind", "kind", msg.Kind)
	}
}

func carriesMessage(frame []byte) bool {
	ev, err := DecodeOutbound(frame)
	if err != nil {
		return false
	}
	switch ev.(type) {
	case NewPrivateMessage, NewGroupMessage:
		return true
	}
	return false
}

// Close closes every connection and the broker.
func (h *Hub) Close() error {
	h.mu.RLock()
	var all []*Conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.Close()
	}
	if h.broker != nil {
		return h.broker.Close()
	}
	return nil
}
