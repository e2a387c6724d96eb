package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/halvarsen/tickwire/internal/conn"
	"github.com/halvarsen/tickwire/internal/observe"
	"github.com/halvarsen/tickwire/internal/wire"
)

const (
	// writeWait is the deadline for a single write to the socket.
	writeWait = 10 * time.Second
	// pongWait is how long a session may go without a pong before the
	// read loop gives up.
	pongWait = 60 * time.Second
	// pingPeriod is how often the write pump pings; it must be shorter
	// than pongWait.
	pingPeriod = 54 * time.Second
	// sendBuffer is the write pump's queue depth. Frames beyond it are
	// dropped rather than stalling a broadcast.
	sendBuffer = 256
)

var (
	// ErrSessionClosed is returned by Send after the session closed.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrBackpressure is returned by Send when the session's write queue
	// is full and the frame was dropped.
	ErrBackpressure = errors.New("gateway: send queue full")
)

// session is one upgraded WebSocket connection. It satisfies
// conn.Endpoint so the server can treat gateway clients exactly like
// datagram peers.
type session struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte

	mu     sync.RWMutex
	closed bool
}

func newSession(ws *websocket.Conn, remoteAddr string, log *zap.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:         uuid.New().String(),
		ws:         ws,
		remoteAddr: remoteAddr,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan []byte, sendBuffer),
	}
	go s.writePump()
	return s
}

// Send queues a frame for delivery. It never blocks: when the write pump
// cannot keep up the frame is dropped and ErrBackpressure returned.
func (s *session) Send(data []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSessionClosed
	}

	// The lock is held across the enqueue so close cannot race the send.
	select {
	case s.sendCh <- data:
		s.mu.RUnlock()
		return nil
	case <-s.ctx.Done():
		s.mu.RUnlock()
		return ErrSessionClosed
	default:
		s.mu.RUnlock()
		observe.IncDropped("ws_backpressure")
		return ErrBackpressure
	}
}

// String identifies the session for rate limiting and logs.
func (s *session) String() string { return s.remoteAddr }

// close shuts the session down once; later calls are no-ops.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()

	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

	close(s.sendCh)
	s.ws.Close()
}

// readLoop feeds inbound frames to inject until the peer goes away, then
// closes the session.
func (s *session) readLoop(inject func(conn.Endpoint, []byte)) {
	defer func() {
		s.close()
		s.log.Info("gateway session closed", zap.String("session_id", s.id))
	}()

	s.ws.SetReadLimit(wire.MaxDatagramSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("gateway read failed",
					zap.String("session_id", s.id),
					zap.Error(err))
			}
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(pongWait))

		inject(s, data)
	}
}

// writePump drains the send queue to the socket and keeps the connection
// alive with periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case data, ok := <-s.sendCh:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}
