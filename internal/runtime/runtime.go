package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/taku/internal/bridge"
	"github.com/loqalabs/taku/internal/bus"
	"github.com/loqalabs/taku/internal/config"
	"github.com/loqalabs/taku/internal/natsserver"
	"github.com/loqalabs/taku/internal/protocol"
	"github.com/loqalabs/taku/internal/tts"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Runtime owns the dispatcher and every transport feeding it.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	dispatcher *bridge.Dispatcher
	busClient  *bus.Client
	ready      atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	gen, err := tts.NewGenerator(cfg.Bark, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		dispatcher: bridge.NewDispatcher(context.Background(), cfg.Bark, gen, logger),
	}, nil
}

// Dispatcher lets in-process transports such as the desktop shell submit
// messages directly.
func (r *Runtime) Dispatcher() *bridge.Dispatcher {
	return r.dispatcher
}

// Start blocks until ctx is cancelled or a transport fails, then stops the
// transports. The dispatcher is closed only when ctx was cancelled: a failed
// side channel must not take down in-process callers of Dispatcher.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		if ctx.Err() != nil {
			r.dispatcher.Close()
		}
	}()

	if r.cfg.Bus.Enabled {
		stopBus, err := r.startBus(ctx)
		if err != nil {
			return err
		}
		defer stopBus()
	}

	g, gctx := errgroup.WithContext(ctx)

	if r.cfg.HTTP.Enabled {
		addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           r.Handler(metricHandler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			r.logger.Info("http server listening", slog.String("addr", addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started")

	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		return nil
	})
	return g.Wait()
}

func (r *Runtime) startBus(ctx context.Context) (func(), error) {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return nil, err
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		embedded.Shutdown()
		return nil, err
	}
	r.busClient = client

	transport := bridge.NewBusTransport(client.Conn(), r.dispatcher, busCfg.ResultSubject, r.logger)
	if err := transport.Start(busCfg.Subject); err != nil {
		client.Close()
		embedded.Shutdown()
		return nil, err
	}

	return func() {
		transport.Stop()
		if ctx.Err() != nil {
			// Let in-flight replies reach the bus before closing it.
			r.dispatcher.Close()
		}
		client.Close()
		embedded.Shutdown()
	}, nil
}

// Close answers in-flight requests and refuses new ones. Owners that keep
// using Dispatcher after Start returned call it once they are done.
func (r *Runtime) Close() {
	r.dispatcher.Close()
}

// Handler exposes health, metrics, presets and the WebSocket UI channel.
func (r *Runtime) Handler(metricHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("GET /presets", r.handlePresets)
	mux.Handle("/ipc", bridge.NewWebSocketHandler(r.dispatcher, r.cfg.HTTP.AllowedOrigins, r.logger))
	if metricHandler != nil {
		mux.Handle("GET /metrics", metricHandler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handlePresets(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(protocol.VoicePresets); err != nil {
		r.logger.Warn("failed to write presets", slog.String("error", err.Error()))
	}
}
