package tts

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loqalabs/taku/internal/config"
)

// Engine runs requests through the Bark CLI.
type Engine struct {
	builder   *Builder
	runner    *Runner
	outputDir string
}

func NewEngine(builder *Builder, runner *Runner, outputDir string) *Engine {
	return &Engine{builder: builder, runner: runner, outputDir: outputDir}
}

func (e *Engine) Generate(ctx context.Context, req Request) Result {
	return e.runner.Run(ctx, e.builder.Build(req, e.outputDir))
}

// NewGenerator builds the Generator selected by cfg.Mode. The output
// directory is resolved against the process working directory.
func NewGenerator(cfg config.BarkConfig, log *slog.Logger) (Generator, error) {
	outputDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	namer := NewNamer(time.Now)

	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(outputDir, namer, time.Duration(cfg.MockDelayMS)*time.Millisecond), nil
	case "exec":
		builder, err := NewBuilder(cfg.Command, cfg.WorkDir, namer)
		if err != nil {
			return nil, err
		}
		runner := NewRunner(cfg.Timeout(), log.With(slog.String("component", "bark-runner")))
		return NewEngine(builder, runner, outputDir), nil
	default:
		return nil, fmt.Errorf("unsupported bark mode %q", cfg.Mode)
	}
}
