package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/SonHoang2/secure-chat-app/internal/crypto"
	"github.com/SonHoang2/secure-chat-app/internal/models"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(setUserCmd)
	rootCmd.AddCommand(setServerCmd)
	rootCmd.AddCommand(addUserCmd)
	rootCmd.AddCommand(listUsersCmd)
	rootCmd.AddCommand(removeUserCmd)
}

var setServerCmd = &cobra.Command{
	Use:   "set-server <url>",
	Short: "Set the remote server URL",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := args[0]
		cfg.ServerURL = url
		if err := SaveConfigGlobal(); err != nil {
			fmt.Println("Error saving config:", err)
			return
		}
		fmt.Printf("Server URL set to %s\n", url)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and generate keys",
	Run: func(cmd *cobra.Command, args []string) {
		username, _ := cmd.Flags().GetString("user")
		if username == "" {
			fmt.Println("Username required")
			return
		}

		idKeys, err := crypto.GenerateIdentityKeyPair()
		if err != nil {
			fmt.Println("Error generating identity keys:", err)
			return
		}
		exKeys, err := crypto.GenerateExchangeKeyPair()
		if err != nil {
			fmt.Println("Error generating exchange keys:", err)
			return
		}

		// The exchange private key only ever touches disk sealed.
		ks, err := keyStore()
		if err != nil {
			fmt.Println("Error opening keystore:", err)
			return
		}
		if err := ks.Save(username, currentPassphrase(), exKeys); err != nil {
			fmt.Println("Error sealing exchange key:", err)
			return
		}

		cfg.CurrentUsername = username
		cfg.IdentityPrivateKeys[username] = idKeys.Private
		cfg.Users[username] = models.User{
			Username:          username,
			IdentityPublicKey: idKeys.Public,
			ExchangePublicKey: exKeys.Public[:],
		}
		delete(cfg.Sessions, username)

		if serverURL, _ := cmd.Flags().GetString("server"); serverURL != "" {
			cfg.ServerURL = serverURL
		}

		if err := SaveConfigGlobal(); err != nil {
			fmt.Println("Error saving config:", err)
			return
		}
		fmt.Printf("Initialized user %s\n", username)
		if cfg.ServerURL != "" {
			fmt.Printf("Server URL: %s\n", cfg.ServerURL)
		}
		fmt.Printf("Identity Public Key: %s\n", base64.StdEncoding.EncodeToString(idKeys.Public))
		fmt.Printf("Exchange Public Key: %s\n", base64.StdEncoding.EncodeToString(exKeys.Public[:]))
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		path, err := configPath()
		if err != nil {
			fmt.Println("Error getting config path:", err)
			return
		}
		fmt.Println(path)
	},
}

var setUserCmd = &cobra.Command{
	Use:   "set-user <username>",
	Short: "Set current active user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		username := args[0]
		if _, ok := cfg.IdentityPrivateKeys[username]; !ok {
			fmt.Printf("User %s not found in local config (no private key)\n", username)
			return
		}
		cfg.CurrentUsername = username
		if err := SaveConfigGlobal(); err != nil {
			fmt.Println("Error saving config:", err)
			return
		}
		fmt.Printf("Current user set to %s\n", username)
	},
}

var addUserCmd = &cobra.Command{
	Use:   "add-user <username> <id_pub_key_b64> <ex_pub_key_b64>",
	Short: "Add a known user",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		username := args[0]

		idPubKey, err := base64.StdEncoding.DecodeString(args[1])
		if err != nil {
			fmt.Println("Error decoding identity public key:", err)
			return
		}
		exPubKey, err := base64.StdEncoding.DecodeString(args[2])
		if err != nil {
			fmt.Println("Error decoding exchange public key:", err)
			return
		}
		if _, err := crypto.KeyFromBytes(exPubKey); err != nil {
			fmt.Println("Invalid exchange public key:", err)
			return
		}

		cfg.Users[username] = models.User{
			Username:          username,
			IdentityPublicKey: idPubKey,
			ExchangePublicKey: exPubKey,
		}
		if err := SaveConfigGlobal(); err != nil {
			fmt.Println("Error saving config:", err)
			return
		}
		fmt.Printf("Added user %s\n", username)
	},
}

var listUsersCmd = &cobra.Command{
	Use:   "list-users",
	Short: "List known users (local and server)",
	Run: func(cmd *cobra.Command, args []string) {
		names := make([]string, 0, len(cfg.Users))
		for name := range cfg.Users {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Local Users:")
		for _, name := range names {
			fmt.Printf("- %s\n", name)
		}

		if cfg.ServerURL == "" {
			return
		}
		fmt.Printf("\nServer Users (%s):\n", cfg.ServerURL)
		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		users, err := currentAPI().ListUsers(ctx)
		if err != nil {
			fmt.Printf("Error fetching users from server: %v\n", err)
			return
		}
		for _, u := range users {
			fmt.Printf("- %s\n", u.Username)
			fmt.Printf("  Identity: %s\n", base64.StdEncoding.EncodeToString(u.IdentityPublicKey))
			fmt.Printf("  Exchange: %s\n", base64.StdEncoding.EncodeToString(u.ExchangePublicKey))
		}
	},
}

var removeUserCmd = &cobra.Command{
	Use:   "remove-user <username>",
	Short: "Remove a known user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		username := args[0]
		delete(cfg.Users, username)
		if err := SaveConfigGlobal(); err != nil {
			fmt.Println("Error saving config:", err)
			return
		}
		fmt.Printf("Removed user %s\n", username)
	},
}

func init() {
	configInitCmd.Flags().String("user", "", "Username to initialize")
	configInitCmd.Flags().String("server", "", "Server URL")
}
