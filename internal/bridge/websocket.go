package bridge

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/taku/internal/protocol"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxFrameSize = 1 << 20
)

// WebSocketHandler serves the UI channel for browser-hosted frontends. Each
// text frame is one envelope; results come back as envelopes on the same
// socket.
type WebSocketHandler struct {
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewWebSocketHandler accepts upgrades only from allowedOrigins. An empty list
// keeps gorilla's same-origin check; "*" allows any origin.
func NewWebSocketHandler(dispatcher *Dispatcher, allowedOrigins []string, log *slog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		dispatcher: dispatcher,
		log:        log.With(slog.String("component", "ws-transport")),
	}
	if len(allowedOrigins) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") ||
				slices.ContainsFunc(allowedOrigins, func(o string) bool { return strings.EqualFold(o, origin) })
		}
	}
	return h
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameSize)

	remote := conn.RemoteAddr().String()
	h.log.Debug("ui connected", slog.String("remote", remote))

	// Replies arrive from request goroutines; gorilla allows one writer.
	var writeMu sync.Mutex
	reply := func(id string, result protocol.GenerateAudioResult) error {
		data, err := protocol.EncodeResultEnvelope(id, result)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", slog.String("remote", remote), slog.String("error", err.Error()))
			}
			h.log.Debug("ui disconnected", slog.String("remote", remote))
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		h.dispatcher.HandleMessage(data, reply)
	}
}
