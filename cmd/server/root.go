package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
)

// RootOptions holds the global flags.
type RootOptions struct {
	EnvFile string
	Verbose bool
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "tablechat",
		Short:         "Tabletop group chat server",
		Long:          "Real-time group chat for a game table: resumable sessions, live roster, typing signals and moderation.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.EnvFile)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTokensCommand(opts))

	return cmd
}

// loadEnvFile applies path without overriding variables already set. A
// missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the environment and builds the process logger.
func loadConfig(opts *RootOptions) (Config, *slog.Logger, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, fmt.Errorf("config error: %w", err)
	}

	log := logs.GetLoggerFromString(cfg.LogLevel)
	if opts.Verbose {
		log = logs.GetLoggerFromLevel(slog.LevelDebug)
	}
	slog.SetDefault(log)
	return cfg, log, nil
}
