package client

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/SonHoang2/secure-chat-app/internal/models"
)

// newChat wires a Chat for the current user without connecting it.
func newChat(ctx context.Context, opts ...ChatOption) (*Chat, *Channel, *SessionManager, error) {
	sessions, err := ensureSession(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	keys, err := loadExchangeKey()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to unlock exchange key: %w", err)
	}
	ch := NewChannel(cfg.ServerURL, sessions)
	chat := NewChat(currentAPI(), sessions, ch, keys, opts...)
	if _, err := chat.Load(ctx); err != nil {
		return nil, nil, nil, err
	}
	return chat, ch, sessions, nil
}

// runLive connects chat and runs body while the channel, the outbox worker
// and the token rotation loop run beside it. Everything stops when body
// returns or one of them fails.
func runLive(ctx context.Context, chat *Chat, ch *Channel, sessions *SessionManager, body func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error { return sessions.Run(runCtx) })
	g.Go(func() error { return ch.Run(runCtx, chat) })
	g.Go(func() error { return chat.Run(runCtx) })
	g.Go(func() error {
		defer stop()
		return body(runCtx)
	})
	return g.Wait()
}

// resolveConversation accepts a conversation id, or @username for the
// private conversation with that user (created on first use).
func resolveConversation(ctx context.Context, sessions *SessionManager, target string) (models.Conversation, error) {
	token, err := sessions.AccessToken(ctx)
	if err != nil {
		return models.Conversation{}, err
	}
	api := currentAPI()
	if peer, ok := strings.CutPrefix(target, "@"); ok {
		return api.CreateConversation(ctx, token, NewConversation{Participants: []string{peer}})
	}
	convs, err := api.ListConversations(ctx, token)
	if err != nil {
		return models.Conversation{}, err
	}
	for _, c := range convs {
		if c.ID == target {
			return c, nil
		}
	}
	return models.Conversation{}, fmt.Errorf("%w: %s", ErrUnknownConversation, target)
}

func conversationLabel(c models.Conversation, self string) string {
	if c.Title != "" {
		return c.Title
	}
	return strings.Join(c.Recipients(self), ", ")
}
