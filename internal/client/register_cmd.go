package client

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().String("token", "", "Registration token (if required by server)")
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the current user with the server",
	Run: func(cmd *cobra.Command, args []string) {
		token, _ := cmd.Flags().GetString("token")

		if cfg.CurrentUsername == "" {
			fmt.Println("No current user set. Use 'config init' first.")
			return
		}
		user, ok := cfg.Users[cfg.CurrentUsername]
		if !ok || len(user.IdentityPublicKey) == 0 || len(user.ExchangePublicKey) == 0 {
			fmt.Println("Public keys for the current user not found in config.")
			return
		}

		fmt.Printf("Registering user %s...\n", cfg.CurrentUsername)
		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		if err := currentAPI().Register(ctx, user, token); err != nil {
			fmt.Println("Registration failed:", err)
			return
		}
		fmt.Println("User registered successfully!")
	},
}
