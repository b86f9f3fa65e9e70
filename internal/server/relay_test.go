package server

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
	"github.com/SonHoang2/secure-chat-app/internal/realtime"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

// fanoutBroker hands every published message to every consumer, like the
// AMQP fanout exchange.
type fanoutBroker struct {
	mu   sync.Mutex
	subs []chan realtime.BrokerMessage
}

func (b *fanoutBroker) Publish(_ context.Context, msg realtime.BrokerMessage) error {
	b.mu.Lock()
	subs := append([]chan realtime.BrokerMessage(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		s <- msg
	}
	return nil
}

func (b *fanoutBroker) Consume(ctx context.Context, fn func(realtime.BrokerMessage)) error {
	ch := make(chan realtime.BrokerMessage, 64)
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

func (b *fanoutBroker) Close() error { return nil }

func (b *fanoutBroker) consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func newRelayServer(t *testing.T, b realtime.Broker) *Server {
	t.Helper()
	srv, err := NewServer(context.Background(), testConfig(t), WithBroker(b))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.Hub.Close()
		_ = srv.ledger.Close()
	})
	return srv
}

func TestRelayTracksStatusesAcrossInstances(t *testing.T) {
	broker := &fanoutBroker{}
	a := newRelayServer(t, broker)
	b := newRelayServer(t, broker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Alice and the conversation live on a; bob is served by b.
	addUser(t, a, "alice")
	addUser(t, a, "bob")
	bob := addUser(t, b, "bob")
	require.NoError(t, a.Storage.CreateConversation(ctx, privateConv("dm", "alice", "bob")))

	go func() { _ = a.Hub.Run(ctx) }()
	go func() { _ = b.Hub.Run(ctx) }()
	require.Eventually(t, func() bool { return broker.consumers() == 2 }, 5*time.Second, 10*time.Millisecond)

	sess, _ := login(t, b, bob)
	ts := httptest.NewServer(b.Server.Handler)
	defer ts.Close()
	hdr := http.Header{}
	hdr.Set("Cookie", transport.AccessTokenCookie+"="+sess.AccessToken)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+transport.SocketPath, hdr)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return b.Hub.Online("bob") }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Messenger.SendPrivateMessage(ctx, "alice", realtime.SendPrivateMessage{
		ConversationID: "dm", Envelope: testEnvelope,
	}))

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	ev, err := realtime.DecodeOutbound(raw)
	require.NoError(t, err)
	incoming, ok := ev.(realtime.NewPrivateMessage)
	require.True(t, ok, "got %T", ev)

	statusOnA := func() models.Status {
		msg, err := a.Storage.GetMessage(ctx, incoming.MessageID)
		if err != nil {
			return models.StatusSending
		}
		return msg.StatusFor("bob")
	}
	assert.Eventually(t, func() bool { return statusOnA() == models.StatusDelivered }, 5*time.Second, 10*time.Millisecond)

	// b never stored the message; the acknowledgment reaches a anyway.
	frame, err := realtime.EncodeInbound(realtime.PrivateMessageSeen{
		SenderID: "alice", MessageID: incoming.MessageID, ConversationID: "dm",
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
	assert.Eventually(t, func() bool { return statusOnA() == models.StatusSeen }, 5*time.Second, 10*time.Millisecond)
}
