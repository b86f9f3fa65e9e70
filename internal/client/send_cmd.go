package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SonHoang2/secure-chat-app/internal/delivery"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Duration("timeout", 15*time.Second, "How long to wait for the server to accept the message")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id|@username> <message>",
	Short: "Send an encrypted message",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmdContext(cmd), timeout)
		defer cancel()

		if err := sendMessage(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
			fmt.Println("Send failed:", err)
			return
		}
		fmt.Println("Message sent successfully!")
	},
}

// sendMessage encrypts text for every member of target and waits until the
// server has stored it.
func sendMessage(ctx context.Context, target, text string) error {
	changes := make(chan delivery.Item, 16)
	chat, ch, sessions, err := newChat(ctx, WithItemChanged(func(it delivery.Item) {
		select {
		case changes <- it:
		default:
		}
	}))
	if err != nil {
		return err
	}
	conv, err := resolveConversation(ctx, sessions, target)
	if err != nil {
		return err
	}

	return runLive(ctx, chat, ch, sessions, func(ctx context.Context) error {
		localID, err := chat.Send(ctx, conv.ID, text)
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return errors.New("timed out waiting for the server to accept the message")
			case it := <-changes:
				if it.LocalID != localID {
					continue
				}
				if it.Failed {
					return errors.New("server rejected the message")
				}
				if !it.Pending() {
					return nil
				}
			}
		}
	})
}
