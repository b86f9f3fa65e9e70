package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/session"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

type fakeService struct {
	mu        sync.Mutex
	hub       *Hub
	private   []SendPrivateMessage
	online    []string
	offline   []string
	forbidden bool
}

func (f *fakeService) SendPrivateMessage(ctx context.Context, from string, ev SendPrivateMessage) error {
	f.mu.Lock()
	f.private = append(f.private, ev)
	forbidden := f.forbidden
	f.mu.Unlock()
	if forbidden {
		return ErrForbidden
	}
	// Echo a Sent status back to the sender.
	f.hub.Send(ctx, from, PrivateMessageStatusUpdate{
		SenderID: from, MessageID: "m1", ConversationID: ev.ConversationID, Status: models.StatusSent,
	})
	return nil
}

func (f *fakeService) SendGroupMessage(context.Context, string, SendGroupMessage) error { return nil }
func (f *fakeService) MarkPrivateSeen(context.Context, string, PrivateMessageSeen) error {
	return nil
}
func (f *fakeService) MarkGroupSeen(context.Context, string, GroupMessageSeen) error { return nil }

func (f *fakeService) Connected(_ context.Context, u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, u)
}

func (f *fakeService) Disconnected(_ context.Context, u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, u)
}

type gatewayFixture struct {
	srv    *httptest.Server
	hub    *Hub
	svc    *fakeService
	signer *session.Signer
	auth   *session.Authority
}

func newGatewayFixture(t *testing.T, recheck time.Duration) *gatewayFixture {
	return newCheckedGatewayFixture(t, recheck, nil)
}

// userSet is a UserChecker over a fixed set of names.
type userSet map[string]bool

func (u userSet) UserExists(_ context.Context, id string) bool { return u[id] }

func newCheckedGatewayFixture(t *testing.T, recheck time.Duration, users session.UserChecker) *gatewayFixture {
	t.Helper()
	signer, err := session.NewSigner([]byte("a"), []byte("r"), time.Minute, time.Hour)
	require.NoError(t, err)
	auth := session.NewAuthority(session.NewMemoryLedger(), signer, nil)
	hub := NewHub()
	svc := &fakeService{hub: hub}
	gw := NewGateway(hub, auth, svc, recheck)
	if users != nil {
		gw.SetUserChecker(users)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return &gatewayFixture{srv: srv, hub: hub, svc: svc, signer: signer, auth: auth}
}

func (f *gatewayFixture) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Cookie", transport.AccessTokenCookie+"="+token)
	}
	return websocket.DefaultDialer.Dial(url, hdr)
}

func readEvent(t *testing.T, ws *websocket.Conn) OutboundEvent {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	ev, err := DecodeOutbound(raw)
	require.NoError(t, err)
	return ev
}

func TestGatewayRejectsMissingOrInvalidToken(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)

	_, resp, err := f.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = f.dial(t, "forged")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, f.hub.Online("alice"))
}

func TestGatewayRejectsUnknownUser(t *testing.T) {
	users := userSet{"alice": true}
	f := newCheckedGatewayFixture(t, time.Minute, users)

	ghost, _, err := f.signer.Sign(session.KindAccess, "ghost")
	require.NoError(t, err)
	_, resp, err := f.dial(t, ghost)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, f.hub.Online("ghost"))

	tok, _, err := f.signer.Sign(session.KindAccess, "alice")
	require.NoError(t, err)
	ws, _, err := f.dial(t, tok)
	require.NoError(t, err)
	defer ws.Close()
	assert.Eventually(t, func() bool { return f.hub.Online("alice") }, 5*time.Second, 10*time.Millisecond)
}

func TestGatewayRoutesEventsInOrder(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	tok, _, err := f.signer.Sign(session.KindAccess, "alice")
	require.NoError(t, err)

	ws, _, err := f.dial(t, tok)
	require.NoError(t, err)
	defer ws.Close()

	for _, conv := range []string{"c1", "c2", "c3"} {
		frame, err := EncodeInbound(SendPrivateMessage{ConversationID: conv})
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
	}
	for _, conv := range []string{"c1", "c2", "c3"} {
		ev := readEvent(t, ws)
		upd, ok := ev.(PrivateMessageStatusUpdate)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, conv, upd.ConversationID)
		assert.Equal(t, models.StatusSent, upd.Status)
	}
	assert.True(t, f.hub.Online("alice"))

	f.svc.mu.Lock()
	assert.Equal(t, []string{"alice"}, f.svc.online)
	f.svc.mu.Unlock()
}

func TestGatewayInvalidEventKeepsChannelOpen(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	tok, _, _ := f.signer.Sign(session.KindAccess, "alice")
	ws, _, err := f.dial(t, tok)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"bogus","data":{}}`)))
	ev := readEvent(t, ws)
	assert.Equal(t, ErrorEvent{Code: CodeInvalidEvent, Message: ev.(ErrorEvent).Message}, ev)

	f.svc.mu.Lock()
	f.svc.forbidden = true
	f.svc.mu.Unlock()
	frame, _ := EncodeInbound(SendPrivateMessage{ConversationID: "c1", ClientID: "local-1"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
	ev = readEvent(t, ws)
	assert.Equal(t, CodeForbidden, ev.(ErrorEvent).Code)
	assert.Equal(t, EventSendPrivateMessage, ev.(ErrorEvent).Event)
	assert.Equal(t, "local-1", ev.(ErrorEvent).ClientID)
	assert.True(t, f.hub.Online("alice"))
}

func TestGatewayReauthenticate(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	tok, _, _ := f.signer.Sign(session.KindAccess, "alice")
	ws, _, err := f.dial(t, tok)
	require.NoError(t, err)
	defer ws.Close()

	fresh, _, _ := f.signer.Sign(session.KindAccess, "alice")
	frame, _ := EncodeInbound(Reauthenticate{AccessToken: fresh})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	// A token for somebody else closes the channel.
	other, _, _ := f.signer.Sign(session.KindAccess, "mallory")
	frame, _ = EncodeInbound(Reauthenticate{AccessToken: other})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	ev := readEvent(t, ws)
	assert.Equal(t, CodeUnauthenticated, ev.(ErrorEvent).Code)
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return !f.hub.Online("alice") }, 5*time.Second, 10*time.Millisecond)
	f.svc.mu.Lock()
	assert.Equal(t, []string{"alice"}, f.svc.offline)
	f.svc.mu.Unlock()
}

func TestGatewayClosesOnExpiry(t *testing.T) {
	f := newGatewayFixture(t, 20*time.Millisecond)
	// Same secrets, a few seconds of life.
	short, err := session.NewSigner([]byte("a"), []byte("r"), 3*time.Second, time.Hour)
	require.NoError(t, err)
	tok, _, err := short.Sign(session.KindAccess, "alice")
	require.NoError(t, err)

	ws, _, err := f.dial(t, tok)
	require.NoError(t, err)
	defer ws.Close()

	ev := readEvent(t, ws)
	assert.Equal(t, CodeUnauthenticated, ev.(ErrorEvent).Code)
}

type loopBroker struct {
	mu   sync.Mutex
	subs []chan BrokerMessage
}

func (b *loopBroker) Publish(_ context.Context, msg BrokerMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s <- msg
	}
	return nil
}

func (b *loopBroker) Consume(ctx context.Context, fn func(BrokerMessage)) error {
	ch := make(chan BrokerMessage, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-ch:
			fn(m)
		}
	}
}

func (b *loopBroker) Close() error { return nil }

func TestHubSkipsOwnBrokerEcho(t *testing.T) {
	b := &loopBroker{}
	hub := NewHub(WithBroker(b))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan BrokerMessage, 4)
	go func() { _ = b.Consume(ctx, func(m BrokerMessage) { got <- m }) }()
	go func() { _ = hub.Run(ctx) }()
	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subs) == 2
	}, time.Second, 5*time.Millisecond)

	delivered := hub.Send(ctx, "bob", Presence{UserID: "alice", Online: true})
	assert.False(t, delivered, "bob has no local connection")

	select {
	case m := <-got:
		assert.Equal(t, "bob", m.UserID)
		assert.Equal(t, hub.origin, m.Origin)
	case <-time.After(time.Second):
		t.Fatal("frame not relayed")
	}
}
