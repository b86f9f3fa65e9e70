package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SonHoang2/secure-chat-app/internal/realtime"
	"github.com/SonHoang2/secure-chat-app/internal/session"
	"github.com/SonHoang2/secure-chat-app/internal/transport"
)

// Server represents the HTTP server.
type Server struct {
	Config    Config
	Storage   *Storage
	Handler   *Handler
	Authority *session.Authority
	Hub       *realtime.Hub
	Messenger *Messenger
	Metrics   *Metrics
	Server    *http.Server
	ledger    session.Ledger
}

// Option adjusts how NewServer wires the server.
type Option func(*options)

type options struct {
	broker realtime.Broker
}

// WithBroker relays realtime events through b instead of dialing AMQP_URL.
func WithBroker(b realtime.Broker) Option {
	return func(o *options) { o.broker = b }
}

// NewServer wires storage, the session authority, the realtime hub and the
// HTTP routes from cfg.
func NewServer(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var blobStore BlobStore
	if cfg.StorageType == "s3" {
		slog.Info("Using S3 Storage", "bucket", cfg.AWSBucket)
		s3Store, err := NewS3BlobStore(ctx, cfg.AWSBucket, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 blob store: %w", err)
		}
		blobStore = s3Store
	} else {
		slog.Info("Using Local Storage", "dir", cfg.DataDir)
		blobStore = NewLocalBlobStore(cfg.DataDir)
	}
	store, err := NewStorage(cfg.DataDir, blobStore)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	var ledger session.Ledger
	if cfg.LedgerBackend == "bolt" {
		bl, err := session.OpenBoltLedger(filepath.Join(cfg.DataDir, "ledger.db"))
		if err != nil {
			return nil, err
		}
		ledger = bl
	} else {
		ledger = session.NewMemoryLedger()
	}
	slog.Info("Token ledger ready", "backend", cfg.LedgerBackend)

	signer, err := session.NewSigner([]byte(cfg.AccessTokenSecret), []byte(cfg.RefreshTokenSecret),
		cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}
	metrics := NewMetrics()
	authority := session.NewAuthority(ledger, signer, store, session.WithObserver(metrics))

	hubOpts := []realtime.HubOption{realtime.WithObserver(metrics)}
	switch {
	case o.broker != nil:
		hubOpts = append(hubOpts, realtime.WithBroker(o.broker))
	case cfg.AMQPURL != "":
		broker, err := realtime.DialAMQP(cfg.AMQPURL)
		if err != nil {
			_ = ledger.Close()
			return nil, err
		}
		slog.Info("Relaying realtime events over AMQP")
		hubOpts = append(hubOpts, realtime.WithBroker(broker))
	}
	hub := realtime.NewHub(hubOpts...)
	messenger := NewMessenger(store, hub, metrics)
	hub.SetRelayHandler(messenger)

	h := NewHandler(store, authority, messenger)
	h.CookieSecure = cfg.CookieSecure
	if cfg.RegistrationToken != "" {
		h.SetRegistrationToken(cfg.RegistrationToken)
		slog.Info("Registration token enabled")
	}
	gateway := realtime.NewGateway(hub, authority, messenger, cfg.ChannelRecheck)
	gateway.SetUserChecker(store)

	s := &Server{
		Config:    cfg,
		Storage:   store,
		Handler:   h,
		Authority: authority,
		Hub:       hub,
		Messenger: messenger,
		Metrics:   metrics,
		ledger:    ledger,
	}
	s.Server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.routes(gateway),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(gateway http.Handler) http.Handler {
	h := s.Handler
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", h.Ping)
	mux.Handle("GET /metrics", s.Metrics.Handler())

	mux.HandleFunc("POST "+transport.UsersPath, h.RegisterUser)
	mux.HandleFunc("GET "+transport.UsersPath, h.GetUser)

	mux.HandleFunc("GET "+transport.ChallengePath, h.HandleGetChallenge)
	mux.HandleFunc("POST "+transport.LoginPath, h.HandleLogin)
	mux.HandleFunc("POST "+transport.RefreshPath, h.HandleRefresh)
	mux.HandleFunc("POST "+transport.LogoutPath, h.HandleLogout)

	mux.HandleFunc("POST "+transport.ConversationsPath, h.AuthMiddleware(h.CreateConversation))
	mux.HandleFunc("GET "+transport.ConversationsPath+"/me", h.AuthMiddleware(h.ListMyConversations))
	mux.HandleFunc("GET "+transport.ConversationsPath+"/{id}/messages", h.AuthMiddleware(h.ListMessages))

	mux.Handle("GET "+transport.SocketPath, gateway)
	return mux
}

// Run serves HTTP, sweeps the ledger and relays broker traffic until ctx is
// cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server starting", "addr", s.Server.Addr)
		if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.Authority.RunSweeper(ctx, s.Config.LedgerSweep)
	})
	g.Go(func() error {
		return s.Hub.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Hub.Close()
		return s.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if cerr := s.ledger.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
