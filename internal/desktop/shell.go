// Package desktop hosts the UI in a native window and bridges its ipc events
// to the dispatcher.
package desktop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/taku/internal/bridge"
	"github.com/loqalabs/taku/internal/config"
	"github.com/loqalabs/taku/internal/protocol"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	wruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// BuildTags are the Go build tags a windowed binary needs. Without them the
// Wails runtime refuses to start.
const BuildTags = "desktop,production"

type emitFunc func(name string, data ...interface{})

type Shell struct {
	cfg        config.UIConfig
	dispatcher *bridge.Dispatcher
	log        *slog.Logger
	emit       emitFunc
	onShutdown func()
}

// New returns a Shell; onShutdown runs when the window closes.
func New(cfg config.UIConfig, dispatcher *bridge.Dispatcher, log *slog.Logger, onShutdown func()) *Shell {
	return &Shell{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.With(slog.String("component", "desktop")),
		onShutdown: onShutdown,
	}
}

// Run blocks until the window is closed. indexPath is the resolved UI entry
// point; its directory is served as the asset root.
func (s *Shell) Run(indexPath string) error {
	s.log.Info("opening window", slog.String("index", indexPath))
	err := wails.Run(&options.App{
		Title:  s.cfg.Title,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		AssetServer: &assetserver.Options{
			Assets: os.DirFS(filepath.Dir(indexPath)),
		},
		OnStartup:  s.startup,
		OnShutdown: s.shutdown,
		Bind:       []interface{}{&Presets{}},
	})
	if err != nil {
		return fmt.Errorf("run desktop window (build with -tags %s): %w", BuildTags, err)
	}
	return nil
}

// Presets is bound to the frontend as window.go.desktop.Presets.
type Presets struct{}

func (*Presets) VoicePresets() []string {
	return append([]string(nil), protocol.VoicePresets...)
}

func (s *Shell) startup(ctx context.Context) {
	s.emit = func(name string, data ...interface{}) {
		wruntime.EventsEmit(ctx, name, data...)
	}
	wruntime.EventsOn(ctx, protocol.EventIPC, s.handleEvent)
}

func (s *Shell) shutdown(context.Context) {
	if s.onShutdown != nil {
		s.onShutdown()
	}
}

func (s *Shell) handleEvent(data ...interface{}) {
	raw, err := eventPayload(data)
	if err != nil {
		s.log.Warn("dropping ipc event", slog.String("error", err.Error()))
		return
	}
	s.dispatcher.HandleMessage(raw, s.reply)
}

func (s *Shell) reply(id string, result protocol.GenerateAudioResult) error {
	data, err := protocol.EncodeResultEnvelope(id, result)
	if err != nil {
		return err
	}
	s.emit(protocol.EventIPCResponse, string(data))
	return nil
}
