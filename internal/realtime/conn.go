package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SonHoang2/secure-chat-app/internal/session"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

// State of a single connection. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Verifier validates access tokens. *session.Authority implements it.
type Verifier interface {
	VerifyAccess(token string) (*session.Claims, error)
}

// Service handles the messaging events of an authenticated user.
type Service interface {
	SendPrivateMessage(ctx context.Context, from string, ev SendPrivateMessage) error
	SendGroupMessage(ctx context.Context, from string, ev SendGroupMessage) error
	MarkPrivateSeen(ctx context.Context, from string, ev PrivateMessageSeen) error
	MarkGroupSeen(ctx context.Context, from string, ev GroupMessageSeen) error
	Connected(ctx context.Context, userID string)
	Disconnected(ctx context.Context, userID string)
}

// Gateway admits websocket connections and runs them.
type Gateway struct {
	hub      *Hub
	verifier Verifier
	service  Service
	users    session.UserChecker
	recheck  time.Duration
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewGateway returns a Gateway. recheck is how often a live connection's
// access token expiry is re-examined.
func NewGateway(hub *Hub, verifier Verifier, service Service, recheck time.Duration) *Gateway {
	if recheck <= 0 {
		recheck = 30 * time.Second
	}
	return &Gateway{
		hub:      hub,
		verifier: verifier,
		service:  service,
		recheck:  recheck,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:      hub.log,
	}
}

// SetUserChecker makes admission and re-authentication also require that the
// token's subject still exists.
func (g *Gateway) SetUserChecker(u session.UserChecker) { g.users = u }

// known reports whether userID may hold a channel.
func (g *Gateway) known(ctx context.Context, userID string) bool {
	return g.users == nil || g.users.UserExists(ctx, userID)
}

// SetCheckOrigin overrides the upgrader's origin policy.
func (g *Gateway) SetCheckOrigin(fn func(r *http.Request) bool) { g.upgrader.CheckOrigin = fn }

// ServeHTTP admits the connection only with a valid access token, taken from
// the access cookie or an Authorization bearer header.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := transport.AccessTokenFrom(r)
	if token == "" {
		http.Error(w, ErrChannelUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	claims, err := g.verifier.VerifyAccess(token)
	if err != nil {
		g.log.Debug("channel admission refused", "error", err)
		http.Error(w, ErrChannelUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}
	if !g.known(r.Context(), claims.UserID()) {
		g.log.Debug("channel admission refused, unknown user", "user", claims.UserID())
		http.Error(w, ErrChannelUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "user", claims.UserID(), "error", err)
		return
	}
	c := newConn(ws, g, claims)
	c.serve(r.Context())
}

// Conn is one authenticated websocket. Inbound frames are handled one at a
// time in arrival order; outbound frames go through a buffered writer.
type Conn struct {
	ws     *websocket.Conn
	gw     *Gateway
	userID string
	state  atomic.Int32
	send   chan []byte

	mu        sync.Mutex
	expiresAt time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, gw *Gateway, claims *session.Claims) *Conn {
	c := &Conn{
		ws:     ws,
		gw:     gw,
		userID: claims.UserID(),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	c.expiresAt = claims.ExpiresAt.Time
	c.state.Store(int32(StateAuthenticated))
	return c
}

// UserID is the authenticated user.
func (c *Conn) UserID() string { return c.userID }

// State returns the current connection state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	first := c.gw.hub.register(c)
	c.state.Store(int32(StateActive))
	c.gw.log.Info("channel opened", "user", c.userID)
	if first {
		c.gw.service.Connected(ctx, c.userID)
	}

	go c.writePump()
	c.readPump(ctx)

	c.Close()
	if c.gw.hub.unregister(c) {
		c.gw.service.Disconnected(context.WithoutCancel(ctx), c.userID)
	}
	c.gw.log.Info("channel closed", "user", c.userID)
}

// enqueue hands a frame to the writer. A connection whose buffer is full is
// too slow to keep and gets closed.
func (c *Conn) enqueue(frame []byte) bool {
	if c.State() != StateActive {
		return false
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.gw.log.Warn("channel send buffer full, closing", "user", c.userID)
		c.Close()
		return false
	}
}

func (c *Conn) push(ev OutboundEvent) {
	frame, err := EncodeOutbound(ev)
	if err != nil {
		c.gw.log.Error("failed to encode event", "event", ev.Name(), "error", err)
		return
	}
	c.enqueue(frame)
}

// Close moves the connection to Closed. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

func (c *Conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	h := connHandler{c: c}
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.log.Debug("channel read failed", "user", c.userID, "error", err)
			}
			return
		}
		if c.State() != StateActive {
			return
		}
		ev, err := DecodeInbound(raw)
		if err != nil {
			c.gw.log.Warn("invalid event", "user", c.userID, "error", err)
			c.push(ErrorEvent{Code: CodeInvalidEvent, Message: err.Error()})
			continue
		}
		c.gw.hub.observer.EventReceived(ev.Name())
		if err := Dispatch(ctx, ev, h); err != nil {
			c.reportError(ev, err)
		}
	}
}

// reportError keeps failures local to this connection.
func (c *Conn) reportError(ev InboundEvent, err error) {
	out := ErrorEvent{Event: ev.Name(), ClientID: clientIDOf(ev)}
	switch {
	case errors.Is(err, ErrChannelUnauthenticated):
		c.gw.log.Info("channel credential rejected", "user", c.userID, "error", err)
		out.Code, out.Message = CodeUnauthenticated, "re-authentication required"
		c.push(out)
		c.Close()
		return
	case errors.Is(err, ErrForbidden):
		c.gw.log.Warn("event forbidden", "user", c.userID, "event", ev.Name(), "error", err)
		out.Code = CodeForbidden
	default:
		c.gw.log.Warn("event failed", "user", c.userID, "event", ev.Name(), "error", err)
		out.Code = CodeInvalidEvent
	}
	out.Message = err.Error()
	c.push(out)
}

func clientIDOf(ev InboundEvent) string {
	switch e := ev.(type) {
	case SendPrivateMessage:
		return e.ClientID
	case SendGroupMessage:
		return e.ClientID
	}
	return ""
}

func (c *Conn) writePump() {
	ping := time.NewTicker(pingPeriod)
	recheck := time.NewTicker(c.gw.recheck)
	defer func() {
		ping.Stop()
		recheck.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-recheck.C:
			if c.expired() {
				c.gw.log.Info("channel credential expired", "user", c.userID)
				c.writeFinal(ErrorEvent{Code: CodeUnauthenticated, Message: "access token expired"})
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes frames queued before Close, such as a final error event.
func (c *Conn) drain() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeFinal(ev OutboundEvent) {
	frame, err := EncodeOutbound(ev)
	if err != nil {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !time.Now().Before(c.expiresAt)
}

// reauthenticate accepts a rotated access token for the same user.
func (c *Conn) reauthenticate(ctx context.Context, token string) error {
	claims, err := c.gw.verifier.VerifyAccess(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelUnauthenticated, err)
	}
	if claims.UserID() != c.userID {
		return fmt.Errorf("%w: token belongs to another user", ErrChannelUnauthenticated)
	}
	if !c.gw.known(ctx, c.userID) {
		return fmt.Errorf("%w: unknown user", ErrChannelUnauthenticated)
	}
	c.mu.Lock()
	c.expiresAt = claims.ExpiresAt.Time
	c.mu.Unlock()
	c.gw.log.Debug("channel re-authenticated", "user", c.userID)
	return nil
}

// connHandler binds inbound events to the sending connection.
type connHandler struct{ c *Conn }

func (h connHandler) OnSendPrivateMessage(ctx context.Context, ev SendPrivateMessage) error {
	return h.c.gw.service.SendPrivateMessage(ctx, h.c.userID, ev)
}

func (h connHandler) OnSendGroupMessage(ctx context.Context, ev SendGroupMessage) error {
	return h.c.gw.service.SendGroupMessage(ctx, h.c.userID, ev)
}

func (h connHandler) OnPrivateMessageSeen(ctx context.Context, ev PrivateMessageSeen) error {
	return h.c.gw.service.MarkPrivateSeen(ctx, h.c.userID, ev)
}

func (h connHandler) OnGroupMessageSeen(ctx context.Context, ev GroupMessageSeen) error {
	return h.c.gw.service.MarkGroupSeen(ctx, h.c.userID, ev)
}

func (h connHandler) OnReauthenticate(ctx context.Context, ev Reauthenticate) error {
	return h.c.reauthenticate(ctx, ev.AccessToken)
}
