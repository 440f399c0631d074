// Command taku-desktop opens the Taku window. Wails only creates windows in
// binaries built with its tags:
//
//	go build -tags desktop,production ./cmd/taku-desktop
//
// Use -tags dev for a development build.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/taku/internal/assets"
	"github.com/loqalabs/taku/internal/config"
	"github.com/loqalabs/taku/internal/desktop"
	"github.com/loqalabs/taku/internal/runtime"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "taku-desktop",
		Short:         "Desktop window for Bark text-to-speech",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath
			if !cmd.Flags().Changed("config") {
				if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
					path = ""
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				slog.Error("failed to load config", slog.String("error", err.Error()))
				return err
			}
			logger := config.NewLogger(os.Stderr, cfg.Telemetry.LogLevel, false)

			index, err := assets.Locate(cfg.UI.IndexPath)
			if err != nil {
				logger.Error("cannot start desktop shell", slog.String("error", err.Error()))
				return err
			}

			rt, err := runtime.New(cfg, logger)
			if err != nil {
				logger.Error("failed to create runtime", slog.String("error", err.Error()))
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				// The window talks to the dispatcher directly, so a failed
				// HTTP or NATS side channel only disables that channel.
				if err := rt.Start(ctx); err != nil {
					logger.Warn("runtime transports stopped", slog.String("error", err.Error()))
				}
			}()
			defer func() {
				cancel()
				wg.Wait()
				rt.Close()
			}()

			shell := desktop.New(cfg.UI, rt.Dispatcher(), logger, cancel)
			if err := shell.Run(index); err != nil {
				logger.Error("desktop shell failed", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "taku.yaml", "Path to configuration file")
	return cmd
}
