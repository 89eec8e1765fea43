package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/tablechat/internal/server"
	"github.com/Tyrowin/tablechat/internal/session"
	"github.com/Tyrowin/tablechat/internal/store"
	"github.com/Tyrowin/tablechat/internal/tokens"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, log, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.AdminSecret == "" {
		log.Warn("ADMIN_SECRET is empty, moderator registration is disabled")
	}
	server.SetConfig(cfg.Server())

	db, err := store.OpenBadger(cfg.BadgerPath)
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("closing badger")
		_ = db.Close()
	}()

	tokenStore, closeTokens, err := openTokenStore(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	defer closeTokens()

	registry := tokens.NewRegistry(tokenStore, cfg.TokenTTL, log)
	hub := server.NewHub(log)
	ctrl := session.NewController(cfg.Session(),
		store.NewBadgerCredentials(db), store.NewBadgerMessages(db),
		registry, hub, log)
	hub.SetHandler(ctrl)
	server.StartHub(hub)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Run(runCtx)
	}()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownErr := server.ShutdownServer(httpServer, cfg.ShutdownTimeout)
	if hubErr := hub.Shutdown(cfg.ShutdownTimeout); hubErr != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("hub shutdown: %w", hubErr))
	}
	cancel()
	wg.Wait()

	return errors.Join(err, shutdownErr)
}

// openTokenStore selects the token backend. The returned func releases it.
func openTokenStore(ctx context.Context, cfg Config, db *badger.DB, log *slog.Logger) (tokens.Store, func(), error) {
	switch cfg.TokenBackend {
	case backendRedis:
		client, err := tokens.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("token registry on redis")
		return tokens.NewRedisStore(client, tokens.DefaultRedisPrefix), func() { _ = client.Close() }, nil
	case backendMemory:
		log.Warn("token registry in memory, sessions will not survive a restart")
		return tokens.NewMemoryStore(), func() {}, nil
	default:
		return tokens.NewBadgerStore(db), func() {}, nil
	}
}
