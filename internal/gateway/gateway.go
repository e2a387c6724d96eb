// Package gateway bridges WebSocket clients into the UDP server. Each
// upgraded connection becomes a session that implements conn.Endpoint:
// inbound WebSocket messages are injected into the server's frame
// handler as if they had arrived as datagrams, and replies or broadcasts
// addressed to the session are written back over the socket.
package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/halvarsen/tickwire/internal/conn"
)

// Config wires a gateway handler to its server.
type Config struct {
	// CheckOrigin validates the origin of an upgrade request. A nil
	// function falls back to gorilla's same-origin default.
	CheckOrigin func(r *http.Request) bool

	// Inject receives every inbound frame together with the session it
	// arrived on. It is called from the session's read goroutine.
	Inject func(ep conn.Endpoint, frame []byte)

	// Logger receives the gateway's structured logs. A nil logger
	// disables logging.
	Logger *zap.Logger
}

// Handler returns an http.Handler that upgrades requests to WebSocket
// sessions feeding cfg.Inject.
func Handler(cfg Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cfg.CheckOrigin,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("gateway upgrade failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
			return
		}

		sess := newSession(ws, r.RemoteAddr, log)
		log.Info("gateway session opened",
			zap.String("session_id", sess.id),
			zap.String("remote_addr", sess.remoteAddr))

		go sess.readLoop(cfg.Inject)
	})
}
