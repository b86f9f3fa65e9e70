package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/SonHoang2/secure-chat-app/internal/server"
)

func main() {
	var (
		port    string
		verbose bool
	)
	flag.StringVar(&port, "port", "", "Server port (overrides env PORT)")
	flag.BoolVar(&verbose, "v", false, "Debug logging")
	flag.Parse()

	if verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if port != "" {
		cfg.Port = port
	}
	if len(flag.Args()) > 0 {
		cfg.DataDir = flag.Args()[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to init server: %v", err)
	}
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
