package client

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id|@username>",
	Short: "Print a conversation and how far each member has read",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		if err := printHistory(ctx, args[0]); err != nil {
			fmt.Println("Error:", err)
		}
	},
}

func printHistory(ctx context.Context, target string) error {
	self := cfg.CurrentUsername
	chat, _, sessions, err := newChat(ctx)
	if err != nil {
		return err
	}
	conv, err := resolveConversation(ctx, sessions, target)
	if err != nil {
		return err
	}
	items, err := chat.LoadHistory(ctx, conv.ID)
	if err != nil {
		return err
	}

	// Markers go under the last message each member has seen.
	seenAt := map[string][]string{}
	for _, ls := range chat.Tracker().DeriveConversationLastSeen(conv.ID) {
		if ls.MessageID != "" {
			seenAt[ls.MessageID] = append(seenAt[ls.MessageID], ls.UserID)
		}
	}

	fmt.Printf("%s (%s)\n", conversationLabel(conv, self), conv.ID)
	for _, it := range items {
		printItem(it, self)
		for _, u := range seenAt[it.ID] {
			fmt.Printf("    seen by %s\n", u)
		}
	}
	return nil
}
