package client

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pingCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connection to the server",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.ServerURL == "" {
			fmt.Println("Server URL not set in config")
			return
		}

		fmt.Printf("Pinging %s...\n", cfg.ServerURL)
		ctx, cancel := context.WithTimeout(cmdContext(cmd), requestTimeout)
		defer cancel()
		start := time.Now()
		if err := currentAPI().Ping(ctx); err != nil {
			fmt.Printf("Failed to ping server: %v\n", err)
			return
		}
		fmt.Printf("Pong! Server is reachable (Latency: %v)\n", time.Since(start))
	},
}
