package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/taku/internal/bridge"
	"github.com/loqalabs/taku/internal/bus"
	"github.com/loqalabs/taku/internal/config"
	"github.com/loqalabs/taku/internal/protocol"
	"github.com/loqalabs/taku/internal/runtime"
	"github.com/loqalabs/taku/internal/tts"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

const defaultConfigPath = "taku.yaml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "takud",
		Short:         "Bark text-to-speech bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	load := func(cmd *cobra.Command, logOut io.Writer) (config.Config, *slog.Logger, error) {
		path := configPath
		if !cmd.Flags().Changed("config") {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				path = ""
			}
		}
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return cfg, nil, err
		}
		return cfg, config.NewLogger(logOut, cfg.Telemetry.LogLevel, true), nil
	}

	root.AddCommand(
		newServeCommand(load),
		newGenerateCommand(load),
		newPresetsCommand(),
		newVersionCommand(),
	)
	return root
}

// loadFunc reads the configuration and builds a logger writing to logOut.
type loadFunc func(cmd *cobra.Command, logOut io.Writer) (config.Config, *slog.Logger, error)

func newServeCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge with its HTTP and NATS transports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(cmd, os.Stdout)
			if err != nil {
				return err
			}

			rt, err := runtime.New(cfg, logger)
			if err != nil {
				logger.Error("failed to create runtime", slog.String("error", err.Error()))
				return err
			}

			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newGenerateCommand(load loadFunc) *cobra.Command {
	var (
		text         string
		voice        string
		textTemp     float64
		waveformTemp float64
		timeout      time.Duration
		local        bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Submit one generate_audio request and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries only the result JSON.
			cfg, logger, err := load(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			payload := protocol.GenerateAudio{Text: text}
			if cmd.Flags().Changed("voice") {
				payload.VoicePreset = &voice
			}
			if cmd.Flags().Changed("text-temp") {
				payload.TextTemp = &textTemp
			}
			if cmd.Flags().Changed("waveform-temp") {
				payload.WaveformTemp = &waveformTemp
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			envelope, err := json.Marshal(protocol.Envelope{Type: protocol.KindGenerateAudio, ID: uuid.NewString(), Data: data})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var result protocol.GenerateAudioResult
			if local {
				result, err = generateLocal(ctx, cfg, logger, envelope)
			} else {
				result, err = generateRemote(ctx, cfg, logger, envelope)
			}
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !result.Success {
				return errors.New(result.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice preset (en_speaker_0..9)")
	cmd.Flags().Float64Var(&textTemp, "text-temp", 0.7, "Text temperature")
	cmd.Flags().Float64Var(&waveformTemp, "waveform-temp", 0.7, "Waveform temperature")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "How long to wait for the result")
	cmd.Flags().BoolVar(&local, "local", false, "Run Bark in this process instead of asking a running bridge")
	return cmd
}

func generateRemote(ctx context.Context, cfg config.Config, logger *slog.Logger, envelope []byte) (protocol.GenerateAudioResult, error) {
	var result protocol.GenerateAudioResult
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return result, err
	}
	defer client.Close()

	reply, err := client.Request(ctx, cfg.Bus.Subject, envelope)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(reply, &result); err != nil {
		return result, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}

func generateLocal(ctx context.Context, cfg config.Config, logger *slog.Logger, envelope []byte) (protocol.GenerateAudioResult, error) {
	gen, err := tts.NewGenerator(cfg.Bark, logger)
	if err != nil {
		return protocol.GenerateAudioResult{}, err
	}
	d := bridge.NewDispatcher(ctx, cfg.Bark, gen, logger)
	defer d.Close()

	done := make(chan protocol.GenerateAudioResult, 1)
	d.HandleMessage(envelope, func(_ string, result protocol.GenerateAudioResult) error {
		done <- result
		return nil
	})
	return <-done, nil
}

func newPresetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the voice presets",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, p := range protocol.VoicePresets {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
