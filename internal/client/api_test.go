package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/session"
)

func TestAPIUsers(t *testing.T) {
	_, ts := startServer(t, nil)
	alice := newAccount(t, ts.URL, "alice")
	ctx := context.Background()

	require.NoError(t, alice.api.Ping(ctx))

	u, err := alice.api.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte(alice.exchange.Public[:]), u.ExchangePublicKey)

	_, err = alice.api.GetUser(ctx, "nobody")
	assert.Error(t, err)

	// Usernames are taken for good.
	err = alice.api.Register(ctx, models.User{
		Username:          "alice",
		IdentityPublicKey: alice.identity.Public,
		ExchangePublicKey: alice.exchange.Public[:],
	}, "")
	assert.Error(t, err)

	users, err := alice.api.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestAPIRefreshRotation(t *testing.T) {
	_, ts := startServer(t, nil)
	alice := newAccount(t, ts.URL, "alice")
	ctx := context.Background()
	first := alice.sessions.Current()

	next, err := alice.api.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, next.RefreshToken)
	assert.Equal(t, "alice", next.UserID)

	// Presenting the consumed token again revokes everything.
	_, err = alice.api.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, session.ErrReuseDetected)
	_, err = alice.api.Refresh(ctx, next.RefreshToken)
	assert.Error(t, err)

	_, err = alice.api.Refresh(ctx, "garbage")
	assert.ErrorIs(t, err, session.ErrInvalidCredential)
}

func TestAPIConversations(t *testing.T) {
	_, ts := startServer(t, nil)
	alice := newAccount(t, ts.URL, "alice")
	newAccount(t, ts.URL, "bob")
	ctx := context.Background()

	conv := alice.conversation(t, false, "bob")
	assert.False(t, conv.IsGroup)
	assert.True(t, conv.HasParticipant("alice"))
	assert.True(t, conv.HasParticipant("bob"))

	// The private conversation is reused.
	again := alice.conversation(t, false, "bob")
	assert.Equal(t, conv.ID, again.ID)

	token, err := alice.sessions.AccessToken(ctx)
	require.NoError(t, err)
	convs, err := alice.api.ListConversations(ctx, token)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	msgs, err := alice.api.ListMessages(ctx, token, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = alice.api.ListConversations(ctx, "not-a-token")
	assert.ErrorIs(t, err, session.ErrInvalidCredential)
}

func TestAPILogout(t *testing.T) {
	_, ts := startServer(t, nil)
	alice := newAccount(t, ts.URL, "alice")
	ctx := context.Background()
	refresh := alice.sessions.Current().RefreshToken

	require.NoError(t, alice.api.Logout(ctx, refresh))
	_, err := alice.api.Refresh(ctx, refresh)
	assert.Error(t, err)
}
