package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/SonHoang2/secure-chat-app/internal/delivery"
	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/realtime"
	"github.com/SonHoang2/secure-chat-app/internal/server"
)

const waitFor = 5 * time.Second

// liveChat is an account with a connected channel and a running outbox.
type liveChat struct {
	*account
	chat    *Chat
	channel *Channel

	mu       sync.Mutex
	presence []realtime.Presence
}

func connect(t *testing.T, srv *server.Server, a *account) *liveChat {
	t.Helper()
	lc := &liveChat{account: a}
	lc.channel = NewChannel(a.api.BaseURL, a.sessions)
	lc.chat = NewChat(a.api, a.sessions, lc.channel, a.exchange,
		WithPresenceChanged(func(p realtime.Presence) {
			lc.mu.Lock()
			lc.presence = append(lc.presence, p)
			lc.mu.Unlock()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := lc.chat.Load(ctx)
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sessions.Run(gctx) })
	g.Go(func() error { return lc.channel.Run(gctx, lc.chat) })
	g.Go(func() error { return lc.chat.Run(gctx) })
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
	})

	waitCtx, done := context.WithTimeout(ctx, waitFor)
	defer done()
	require.NoError(t, lc.channel.WaitConnected(waitCtx))
	require.Eventually(t, func() bool { return srv.Hub.Online(a.name) }, waitFor, 10*time.Millisecond)
	return lc
}

func (lc *liveChat) item(convID, id string) (delivery.Item, bool) {
	return lc.chat.Tracker().Find(convID, id)
}

func (lc *liveChat) waitItem(t *testing.T, convID, id string, ok func(delivery.Item) bool) delivery.Item {
	t.Helper()
	var last delivery.Item
	require.Eventually(t, func() bool {
		it, found := lc.item(convID, id)
		last = it
		return found && ok(it)
	}, waitFor, 10*time.Millisecond, "item %s in %s", id, convID)
	return last
}

func (lc *liveChat) waitMessage(t *testing.T, convID string, n int) []delivery.Item {
	t.Helper()
	var msgs []delivery.Item
	require.Eventually(t, func() bool {
		msgs = lc.chat.Tracker().Messages(convID)
		return len(msgs) >= n
	}, waitFor, 10*time.Millisecond)
	return msgs
}

func TestChatPrivateLifecycle(t *testing.T) {
	srv, ts := startServer(t, nil)
	aliceAcct := newAccount(t, ts.URL, "alice")
	bobAcct := newAccount(t, ts.URL, "bob")
	conv := aliceAcct.conversation(t, false, "bob")

	alice := connect(t, srv, aliceAcct)
	bob := connect(t, srv, bobAcct)
	ctx := context.Background()

	localID, err := alice.chat.Send(ctx, conv.ID, "hello bob")
	require.NoError(t, err)

	// Bob is online, so the message goes straight to Delivered.
	sent := alice.waitItem(t, conv.ID, localID, func(it delivery.Item) bool {
		return it.StatusFor("bob") == models.StatusDelivered
	})
	require.NotEmpty(t, sent.ID)
	assert.Equal(t, "hello bob", sent.Body)

	got := bob.waitMessage(t, conv.ID, 1)
	assert.Equal(t, "hello bob", got[0].Body)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.False(t, got[0].Failed)

	// Opening the conversation acknowledges it.
	_, err = bob.chat.Open(ctx, conv.ID)
	require.NoError(t, err)
	alice.waitItem(t, conv.ID, sent.ID, func(it delivery.Item) bool {
		return it.StatusFor("bob") == models.StatusSeen
	})
	ls := alice.chat.Tracker().DeriveConversationLastSeen(conv.ID)
	require.Len(t, ls, 1)
	assert.Equal(t, delivery.LastSeen{UserID: "bob", MessageID: sent.ID}, ls[0])

	// While open, new messages are seen on arrival.
	second, err := alice.chat.Send(ctx, conv.ID, "still there?")
	require.NoError(t, err)
	alice.waitItem(t, conv.ID, second, func(it delivery.Item) bool {
		return it.StatusFor("bob") == models.StatusSeen
	})
}

func TestChatSendsInOrder(t *testing.T) {
	srv, ts := startServer(t, nil)
	aliceAcct := newAccount(t, ts.URL, "alice")
	bobAcct := newAccount(t, ts.URL, "bob")
	conv := aliceAcct.conversation(t, false, "bob")
	alice := connect(t, srv, aliceAcct)
	bob := connect(t, srv, bobAcct)
	ctx := context.Background()

	bodies := []string{"one", "two", "three", "four", "five"}
	ids := make([]string, len(bodies))
	for i, b := range bodies {
		id, err := alice.chat.Send(ctx, conv.ID, b)
		require.NoError(t, err)
		ids[i] = id
	}

	got := bob.waitMessage(t, conv.ID, len(bodies))
	for i, b := range bodies {
		assert.Equal(t, b, got[i].Body)
		// Each placeholder got the id of its own message.
		it := alice.waitItem(t, conv.ID, ids[i], func(it delivery.Item) bool { return !it.Pending() })
		assert.Equal(t, got[i].ID, it.ID)
		assert.Equal(t, b, it.Body)
	}
}

func TestChatGroupStatuses(t *testing.T) {
	srv, ts := startServer(t, nil)
	aliceAcct := newAccount(t, ts.URL, "alice")
	bobAcct := newAccount(t, ts.URL, "bob")
	carolAcct := newAccount(t, ts.URL, "carol")
	conv := aliceAcct.conversation(t, true, "bob", "carol")

	alice := connect(t, srv, aliceAcct)
	bob := connect(t, srv, bobAcct)
	ctx := context.Background()

	localID, err := alice.chat.Send(ctx, conv.ID, "hi all")
	require.NoError(t, err)

	it := alice.waitItem(t, conv.ID, localID, func(it delivery.Item) bool {
		return it.StatusFor("bob") == models.StatusDelivered
	})
	// Carol is offline.
	assert.Equal(t, models.StatusSent, it.StatusFor("carol"))
	assert.Equal(t, models.StatusSent, it.ConversationStatus())
	assert.Equal(t, "hi all", bob.waitMessage(t, conv.ID, 1)[0].Body)

	// Carol fetches history later: delivered, then seen once opened.
	carol := connect(t, srv, carolAcct)
	items, err := carol.chat.Open(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hi all", items[0].Body)

	alice.waitItem(t, conv.ID, it.ID, func(it delivery.Item) bool {
		return it.StatusFor("carol") == models.StatusSeen
	})
	got := map[string]string{}
	for _, ls := range alice.chat.Tracker().DeriveConversationLastSeen(conv.ID) {
		got[ls.UserID] = ls.MessageID
	}
	assert.Equal(t, map[string]string{"bob": "", "carol": it.ID}, got)
}

func TestChatHistoryKeepsOwnCopyReadable(t *testing.T) {
	srv, ts := startServer(t, nil)
	aliceAcct := newAccount(t, ts.URL, "alice")
	newAccount(t, ts.URL, "bob")
	conv := aliceAcct.conversation(t, false, "bob")
	alice := connect(t, srv, aliceAcct)
	ctx := context.Background()

	localID, err := alice.chat.Send(ctx, conv.ID, "note to self and bob")
	require.NoError(t, err)
	alice.waitItem(t, conv.ID, localID, func(it delivery.Item) bool { return !it.Pending() })

	// A second device of alice only has the server's copy.
	other := NewChat(aliceAcct.api, aliceAcct.sessions, NewChannel(ts.URL, aliceAcct.sessions), aliceAcct.exchange)
	items, err := other.LoadHistory(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "note to self and bob", items[0].Body)
	assert.Equal(t, models.StatusSent, items[0].StatusFor("bob"))
}

func TestChatPresence(t *testing.T) {
	srv, ts := startServer(t, nil)
	aliceAcct := newAccount(t, ts.URL, "alice")
	bobAcct := newAccount(t, ts.URL, "bob")
	aliceAcct.conversation(t, false, "bob")

	alice := connect(t, srv, aliceAcct)
	connect(t, srv, bobAcct)

	require.Eventually(t, func() bool { return alice.chat.Online("bob") }, waitFor, 10*time.Millisecond)
}

func TestChatRejectedSendFails(t *testing.T) {
	_, ts := startServer(t, nil)
	aliceAcct := newAccount(t, ts.URL, "alice")
	newAccount(t, ts.URL, "bob")
	conv := aliceAcct.conversation(t, false, "bob")

	out := &recordingSender{}
	chat := NewChat(aliceAcct.api, aliceAcct.sessions, out, aliceAcct.exchange)
	ctx := context.Background()
	localID, err := chat.Send(ctx, conv.ID, "doomed")
	require.NoError(t, err)

	chat.OnError(realtime.ErrorEvent{Code: realtime.CodeForbidden, Event: realtime.EventSendPrivateMessage, ClientID: localID})
	it, ok := chat.Tracker().Find(conv.ID, localID)
	require.True(t, ok)
	assert.True(t, it.Failed)

	// A late acknowledgment cannot bind to it.
	chat.OnPrivateMessageStatusUpdate(realtime.PrivateMessageStatusUpdate{
		ConversationID: conv.ID, MessageID: "m1", Status: models.StatusSent,
	})
	it, _ = chat.Tracker().Find(conv.ID, localID)
	assert.True(t, it.Pending())
}

func TestChatUndecryptableMessage(t *testing.T) {
	_, ts := startServer(t, nil)
	aliceAcct := newAccount(t, ts.URL, "alice")
	newAccount(t, ts.URL, "bob")
	conv := aliceAcct.conversation(t, false, "bob")

	chat := NewChat(aliceAcct.api, aliceAcct.sessions, &recordingSender{}, aliceAcct.exchange)
	_, err := chat.Load(context.Background())
	require.NoError(t, err)

	chat.OnNewPrivateMessage(realtime.NewPrivateMessage{
		MessageID:      "m1",
		ConversationID: conv.ID,
		SenderID:       "bob",
		Envelope:       models.Envelope{Ciphertext: []byte("x"), IV: []byte("y"), EphemeralPublicKey: make([]byte, 32)},
	})
	it, ok := chat.Tracker().Find(conv.ID, "m1")
	require.True(t, ok)
	assert.True(t, it.Failed)
	assert.Empty(t, it.Body)
}

func TestChannelReauthenticatesOnRotation(t *testing.T) {
	srv, ts := startServer(t, func(c *server.Config) {
		c.AccessTokenTTL = 4 * time.Second
		c.ChannelRecheck = 100 * time.Millisecond
	})
	aliceAcct := newAccount(t, ts.URL, "alice", WithRefreshSkew(2*time.Second))
	bobAcct := newAccount(t, ts.URL, "bob")
	conv := aliceAcct.conversation(t, false, "bob")

	alice := connect(t, srv, aliceAcct)
	connect(t, srv, bobAcct)
	first := aliceAcct.sessions.Current().AccessToken

	// Outlive the first access token.
	time.Sleep(4500 * time.Millisecond)
	assert.NotEqual(t, first, aliceAcct.sessions.Current().AccessToken)

	localID, err := alice.chat.Send(context.Background(), conv.ID, "after rotation")
	require.NoError(t, err)
	alice.waitItem(t, conv.ID, localID, func(it delivery.Item) bool {
		return it.StatusFor("bob") == models.StatusDelivered
	})

	body := scrapeMetrics(t, ts.URL)
	assert.NotEmpty(t, metricLine(body, `securechat_realtime_events_total{event="reauthenticate"}`))
}

type recordingSender struct {
	mu     sync.Mutex
	events []realtime.InboundEvent
}

func (s *recordingSender) Send(ev realtime.InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
