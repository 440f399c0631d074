package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/taku/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer runs an in-process NATS server so the bridge works without
// an external broker.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil, nil when embedded mode is off.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		ServerName: "taku-embedded",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within %s", readyTimeout)
	}

	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &EmbeddedServer{
		ns:  ns,
		log: log,
	}, nil
}

// ClientURL is the address clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
