package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/tablechat/internal/store"
	"github.com/Tyrowin/tablechat/internal/tokens"
)

func NewTokensCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Maintain the session token registry",
	}
	cmd.AddCommand(newTokensSweepCommand(rootOpts))
	return cmd
}

func newTokensSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired session tokens",
		Long: `Delete expired session tokens from the configured backend.

The server sweeps on its own while running; use this against a stopped
server's badger directory or a shared redis registry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			db, err := store.OpenBadger(cfg.BadgerPath)
			if err != nil {
				return fmt.Errorf("database opening failed: %w", err)
			}
			defer func() { _ = db.Close() }()

			tokenStore, closeTokens, err := openTokenStore(ctx, cfg, db, log)
			if err != nil {
				return err
			}
			defer closeTokens()

			removed, err := tokens.NewRegistry(tokenStore, cfg.TokenTTL, log).Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep tokens: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired tokens\n", removed)
			return err
		},
	}
}
