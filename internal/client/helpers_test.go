package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SonHoang2/secure-chat-app/internal/crypto"
	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/server"
)

// startServer runs a real chat server on an httptest listener.
func startServer(t *testing.T, mutate func(*server.Config)) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := server.Config{
		Port:               ":0",
		DataDir:            t.TempDir(),
		StorageType:        "local",
		AccessTokenSecret:  "access-secret",
		RefreshTokenSecret: "refresh-secret",
		AccessTokenTTL:     time.Minute,
		RefreshTokenTTL:    time.Hour,
		LedgerBackend:      "memory",
		LedgerSweep:        time.Minute,
		ChannelRecheck:     time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := server.NewServer(context.Background(), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(func() {
		_ = srv.Hub.Close()
		ts.Close()
	})
	return srv, ts
}

type account struct {
	name     string
	identity *crypto.IdentityKeyPair
	exchange *crypto.ExchangeKeyPair
	api      *API
	sessions *SessionManager
}

// newAccount registers and logs in name against the server at url.
func newAccount(t *testing.T, url, name string, opts ...SessionOption) *account {
	t.Helper()
	idKey, err := crypto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	exKey, err := crypto.GenerateExchangeKeyPair()
	require.NoError(t, err)

	api := NewAPI(url)
	ctx := context.Background()
	require.NoError(t, api.Register(ctx, models.User{
		Username:          name,
		IdentityPublicKey: idKey.Public,
		ExchangePublicKey: exKey.Public[:],
	}, ""))
	sess, err := api.Login(ctx, name, idKey.Private)
	require.NoError(t, err)

	return &account{
		name:     name,
		identity: idKey,
		exchange: exKey,
		api:      api,
		sessions: NewSessionManager(api, sess, opts...),
	}
}

func (a *account) conversation(t *testing.T, group bool, others ...string) models.Conversation {
	t.Helper()
	ctx := context.Background()
	token, err := a.sessions.AccessToken(ctx)
	require.NoError(t, err)
	conv, err := a.api.CreateConversation(ctx, token, NewConversation{IsGroup: group, Participants: others})
	require.NoError(t, err)
	return conv
}

func scrapeMetrics(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func metricLine(body, prefix string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	return ""
}
