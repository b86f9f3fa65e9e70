package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/realtime"
	"github.com/SonHoang2/secure-chat-app/internal/session"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

const (
	channelWriteWait = 10 * time.Second
	reconnectMin     = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second
)

var errChannelUnauthenticated = errors.New("channel credential rejected")

// Channel is the client's realtime connection. It is owned by whoever
// created it and lives until Run returns. Outbound events are queued and
// survive reconnects; a rotated access token is re-presented on the live
// connection.
type Channel struct {
	url      string
	sessions *SessionManager
	dialer   *websocket.Dialer
	log      *slog.Logger

	mu     sync.Mutex
	queue  [][]byte
	reauth []byte // latest rotated access token, written before the queue
	wake   chan struct{}
	up     chan struct{} // closed while connected
}

// NewChannel returns a channel to the server at serverURL (http or https).
func NewChannel(serverURL string, sessions *SessionManager) *Channel {
	c := &Channel{
		url:      socketURL(serverURL),
		sessions: sessions,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      slog.Default(),
		wake:     make(chan struct{}, 1),
		up:       make(chan struct{}),
	}
	sessions.OnRotate(c.reauthenticate)
	return c
}

func socketURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + transport.SocketPath
}

// Send queues ev for delivery in submission order.
func (c *Channel) Send(ev realtime.InboundEvent) error {
	frame, err := realtime.EncodeInbound(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.queue = append(c.queue, frame)
	c.mu.Unlock()
	c.signal()
	return nil
}

// Pending is the number of queued frames not yet written.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// reauthenticate jumps the queue so the server sees the new token before
// the old one lapses. Only the newest token is kept.
func (c *Channel) reauthenticate(sess models.Session) {
	frame, err := realtime.EncodeInbound(realtime.Reauthenticate{AccessToken: sess.AccessToken})
	if err != nil {
		return
	}
	c.mu.Lock()
	c.reauth = frame
	c.mu.Unlock()
	c.signal()
}

func (c *Channel) pop() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reauth != nil {
		frame := c.reauth
		c.reauth = nil
		return frame, true
	}
	if len(c.queue) == 0 {
		return nil, false
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	return frame, true
}

func (c *Channel) unpop(frame []byte) {
	c.mu.Lock()
	c.queue = append([][]byte{frame}, c.queue...)
	c.mu.Unlock()
}

// WaitConnected blocks until the channel is connected or ctx is done.
func (c *Channel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.up:
		if !connected {
			c.up = make(chan struct{})
		}
	default:
		if connected {
			close(c.up)
		}
	}
}

// Run connects and keeps the channel connected, handing every server event
// to h, until ctx is done or the session ends.
func (c *Channel) Run(ctx context.Context, h realtime.ClientHandler) error {
	backoff := reconnectMin
	for {
		token, err := c.sessions.AccessToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrLoggedOut) || errors.Is(err, session.ErrReuseDetected) {
				return err
			}
			c.log.Warn("no access token for channel", "error", err)
		} else {
			err = c.connect(ctx, token, h)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errChannelUnauthenticated) {
				if _, rerr := c.sessions.Refresh(ctx); rerr != nil {
					if errors.Is(rerr, ErrLoggedOut) || errors.Is(rerr, session.ErrReuseDetected) {
						return rerr
					}
				} else {
					backoff = reconnectMin
					continue
				}
			}
			c.log.Debug("channel disconnected", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

func (c *Channel) connect(ctx context.Context, token string, h realtime.ClientHandler) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errChannelUnauthenticated
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer ws.Close()

	c.setConnected(true)
	defer c.setConnected(false)
	c.log.Debug("channel connected", "url", c.url)

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ws, h) }()

	for {
		for {
			frame, ok := c.pop()
			if !ok {
				break
			}
			_ = ws.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.unpop(frame)
				return err
			}
		}
		select {
		case <-c.wake:
		case err := <-readErr:
			return err
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(channelWriteWait))
			return ctx.Err()
		}
	}
}

func (c *Channel) readLoop(ws *websocket.Conn, h realtime.ClientHandler) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := realtime.DecodeOutbound(raw)
		if err != nil {
			c.log.Warn("ignoring server frame", "error", err)
			continue
		}
		if err := realtime.DispatchClient(ev, h); err != nil {
			c.log.Warn("event handler failed", "event", ev.Name(), "error", err)
		}
		if e, ok := ev.(realtime.ErrorEvent); ok && e.Code == realtime.CodeUnauthenticated {
			return errChannelUnauthenticated
		}
	}
}
