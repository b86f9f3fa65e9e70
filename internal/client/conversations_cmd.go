package client

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCreateCmd.Flags().Bool("group", false, "Create a group conversation")
	conversationsCreateCmd.Flags().String("title", "", "Group title")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List your conversations",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		sessions, err := ensureSession(ctx)
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		token, err := sessions.AccessToken(ctx)
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		convs, err := currentAPI().ListConversations(ctx, token)
		if err != nil {
			fmt.Println("Error listing conversations:", err)
			return
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return
		}
		for _, c := range convs {
			kind := "private"
			if c.IsGroup {
				kind = "group"
			}
			fmt.Printf("%s\t%s\t%s\n", c.ID, kind, conversationLabel(c, cfg.CurrentUsername))
		}
	},
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <username>...",
	Short: "Start a conversation with one or more users",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		group, _ := cmd.Flags().GetBool("group")
		title, _ := cmd.Flags().GetString("title")
		if len(args) > 1 {
			group = true
		}

		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		sessions, err := ensureSession(ctx)
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		token, err := sessions.AccessToken(ctx)
		if err != nil {
			fmt.Println("Error:", err)
			return
		}
		conv, err := currentAPI().CreateConversation(ctx, token, NewConversation{
			Title:        title,
			IsGroup:      group,
			Participants: args,
		})
		if err != nil {
			fmt.Println("Error creating conversation:", err)
			return
		}
		fmt.Printf("Conversation %s with %s\n", conv.ID, conversationLabel(conv, cfg.CurrentUsername))
	},
}
