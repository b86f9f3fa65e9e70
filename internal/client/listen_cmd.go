package client

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SonHoang2/secure-chat-app/internal/delivery"
	"github.com/SonHoang2/secure-chat-app/internal/realtime"
)

func init() {
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen [conversation-id|@username]",
	Short: "Stay connected and print messages as they arrive",
	Long: "Stay connected and print incoming messages and delivery updates. " +
		"With a conversation, it is opened: its history is printed and every message in it is marked seen.",
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		if err := listen(ctx, target); err != nil {
			fmt.Println("Listen failed:", err)
		}
	},
}

func listen(ctx context.Context, target string) error {
	self := cfg.CurrentUsername
	chat, ch, sessions, err := newChat(ctx,
		WithItemChanged(func(it delivery.Item) { printItem(it, self) }),
		WithPresenceChanged(func(p realtime.Presence) {
			state := "offline"
			if p.Online {
				state = "online"
			}
			fmt.Printf("* %s is %s\n", p.UserID, state)
		}),
		WithServerError(func(e realtime.ErrorEvent) {
			fmt.Printf("! server: %s (%s)\n", e.Message, e.Code)
		}),
	)
	if err != nil {
		return err
	}

	return runLive(ctx, chat, ch, sessions, func(ctx context.Context) error {
		if err := ch.WaitConnected(ctx); err != nil {
			return nil
		}
		if target != "" {
			conv, err := resolveConversation(ctx, sessions, target)
			if err != nil {
				return err
			}
			fmt.Printf("Opened %s (%s)\n", conversationLabel(conv, self), conv.ID)
			if _, err := chat.Open(ctx, conv.ID); err != nil {
				return err
			}
		}
		fmt.Println("Listening, press Ctrl+C to stop.")
		<-ctx.Done()
		return nil
	})
}

func printItem(it delivery.Item, self string) {
	body := it.Body
	if it.Failed && it.SenderID != self {
		body = "[could not be decrypted]"
	}
	status := it.ConversationStatus().String()
	switch {
	case it.Failed && it.SenderID == self:
		status = "failed"
	case it.SenderID != self:
		status = it.StatusFor(self).String()
	}
	fmt.Printf("[%s] %s %s: %s (%s)\n", it.ConversationID, it.CreatedAt.Local().Format("15:04:05"), it.SenderID, body, status)
}
