package tts

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

type mockGenerator struct {
	outputDir string
	namer     *Namer
	delay     time.Duration
}

// NewMockGenerator returns a Generator that writes an empty placeholder file
// after delay. It lets the UI be developed without Bark installed.
func NewMockGenerator(outputDir string, namer *Namer, delay time.Duration) Generator {
	if namer == nil {
		namer = NewNamer(nil)
	}
	return &mockGenerator{outputDir: outputDir, namer: namer, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request) Result {
	select {
	case <-ctx.Done():
		return Failure("Bark execution cancelled: %v", ctx.Err())
	case <-time.After(m.delay):
	}
	if err := os.MkdirAll(m.outputDir, dirPermissions); err != nil {
		return Failure("Failed to create output directory")
	}
	path := filepath.Join(m.outputDir, m.namer.Next())
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return Failure("Bark execution failed: %v", err)
	}
	return Success(path)
}
