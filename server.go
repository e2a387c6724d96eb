package tickwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halvarsen/tickwire/internal/conn"
	"github.com/halvarsen/tickwire/internal/gateway"
	"github.com/halvarsen/tickwire/internal/observe"
	"github.com/halvarsen/tickwire/internal/tick"
	"github.com/halvarsen/tickwire/internal/wire"
)

// RateLimitConfig defines per-endpoint rate limiting for inbound packets.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many packets an endpoint may send per
	// second.
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity).
	Burst int
	// Enabled determines if rate limiting is active.
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration:
// 100 packets per second with a burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// ServerConfig configures a Server. The zero value of every field selects
// a sensible default.
type ServerConfig struct {
	// Port is the UDP port to bind. Defaults to DefaultPort; -1 binds an
	// ephemeral port, which tests use to avoid collisions.
	Port int

	// TickRate is the ideal tick frequency in Hz at which queued packets
	// are processed. Defaults to DefaultTickRate. Negative values are
	// rejected by NewServer.
	TickRate float64

	// ConnectionTimeout is how long a connection may go without a ping
	// before it is dropped. Defaults to DefaultConnectionTimeout.
	ConnectionTimeout time.Duration

	// CleanupInterval is how often expired connections are swept.
	// Defaults to DefaultCleanupInterval.
	CleanupInterval time.Duration

	// RateLimit is the per-endpoint inbound rate limit. If nil,
	// DefaultRateLimitConfig() is used.
	RateLimit *RateLimitConfig

	// ArtificialDelay pauses the receive loop for the given duration
	// before each datagram is processed, to make latency visible when
	// testing prediction. Leave it zero in production.
	ArtificialDelay time.Duration

	// Logger receives the server's structured logs. A nil logger
	// disables logging.
	Logger *zap.Logger
}

// Server is the authoritative side of the framework. It receives packets
// over UDP (and optionally through the WebSocket gateway), answers the
// internal handshake channels immediately, and queues application packets
// for the tick loop, where the handlers bound by [Handle] and
// [Server.HandleJSON] decide what gets broadcast.
//
// Bind all channels before calling Start; a started server dispatches
// concurrently with registration otherwise.
type Server struct {
	log             *zap.Logger
	port            int
	connTimeout     time.Duration
	cleanupInterval time.Duration
	rateLimit       *RateLimitConfig
	artificialDelay time.Duration

	proc  *tick.Processor
	conns *conn.Manager

	internal map[string]func(ep conn.Endpoint, content json.RawMessage)

	mu        sync.RWMutex
	events    map[string]serverReceiver
	running   bool
	udp       *net.UDPConn
	boundPort int

	limitMu  sync.Mutex
	limiters map[string]*limiterEntry

	stop chan struct{}
	wg   sync.WaitGroup
}

// limiterEntry pairs an endpoint's token bucket with its last activity,
// so idle buckets can be swept together with expired connections.
type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewServer creates a server for the given configuration. A nil cfg uses
// all defaults. The server does not bind the port until Start.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TickRate < 0 {
		return nil, ErrInvalidTickRate
	}

	s := &Server{
		log:             log,
		port:            cfg.Port,
		connTimeout:     cfg.ConnectionTimeout,
		cleanupInterval: cfg.CleanupInterval,
		rateLimit:       cfg.RateLimit,
		artificialDelay: cfg.ArtificialDelay,
		events:          make(map[string]serverReceiver),
		limiters:        make(map[string]*limiterEntry),
	}
	switch {
	case s.port == 0:
		s.port = DefaultPort
	case s.port < 0:
		s.port = 0 // ephemeral
	}
	if s.connTimeout == 0 {
		s.connTimeout = DefaultConnectionTimeout
	}
	if s.cleanupInterval == 0 {
		s.cleanupInterval = DefaultCleanupInterval
	}
	if s.rateLimit == nil {
		s.rateLimit = DefaultRateLimitConfig()
	}

	s.proc = tick.New(s.dispatch)
	if cfg.TickRate > 0 {
		if err := s.proc.SetTickRate(cfg.TickRate); err != nil {
			return nil, err
		}
	}
	s.conns = conn.NewManager(s.connTimeout)

	s.internal = map[string]func(conn.Endpoint, json.RawMessage){
		ChannelConnect: s.handleConnect,
		ChannelPing:    s.handlePing,
	}
	return s, nil
}

// Start binds the UDP socket and launches the receive loop, the tick
// loop, and the connection sweep. Cancelling ctx stops the server. Start
// returns ErrServerAlreadyRunning when called twice without a Stop in
// between.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.port})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("bind udp port %d: %w", s.port, err)
	}

	s.udp = udp
	s.boundPort = udp.LocalAddr().(*net.UDPAddr).Port
	s.running = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	stop := s.stop
	s.proc.Start()
	s.wg.Add(2)
	go s.receiveLoop(udp, stop)
	go s.cleanupLoop(stop)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop(context.Background())
		case <-stop:
		}
	}()

	s.log.Info("server started",
		zap.Int("port", s.boundPort),
		zap.Float64("tick_rate", s.proc.IdealTickRate()),
		zap.Bool("rate_limit", s.rateLimit.Enabled))
	return nil
}

// Stop closes the socket, stops the tick loop, and joins the server's
// goroutines. Stopping a server that is not running is a no-op; a stopped
// server can be started again.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	udp := s.udp
	stop := s.stop
	s.mu.Unlock()

	close(stop)
	udp.Close()
	s.proc.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.udp = nil
	s.mu.Unlock()

	s.log.Info("server stopped")
	return nil
}

// Port returns the UDP port the server is bound to. Before Start it is
// the configured port; after a Start with an ephemeral port it is the
// port the kernel picked.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundPort != 0 {
		return s.boundPort
	}
	return s.port
}

// SetTickRate retunes the tick loop to the given ideal rate in Hz. It
// returns ErrInvalidTickRate for rates that are zero or negative.
func (s *Server) SetTickRate(tickRate float64) error {
	return s.proc.SetTickRate(tickRate)
}

// TickRate returns the measured tick rate in Hz: the ideal rate while the
// server keeps up, lower when tick handlers overrun their slot.
func (s *Server) TickRate() float64 {
	return s.proc.RealTickRate()
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	return s.conns.Len()
}

// BroadcastJSON sends a raw payload on channel to every live connection,
// unsequenced. It is the server-push path for state the clients did not
// ask about, such as world events.
func (s *Server) BroadcastJSON(channel string, content json.RawMessage) error {
	if strings.HasPrefix(channel, wire.InternalPrefix) {
		return fmt.Errorf("%w: reserved channel %q", wire.ErrBadFormat, channel)
	}
	data, err := wire.Marshal(wire.Packet{Channel: channel, Content: content})
	if err != nil {
		return err
	}
	s.broadcastFrame(data)
	return nil
}

// GatewayHandler returns an http.Handler that upgrades requests to
// WebSocket sessions and feeds their frames into the server as if they
// had arrived over UDP. Mount it on any mux; replies and broadcasts
// reach gateway clients through their session.
func (s *Server) GatewayHandler(checkOrigin CheckOriginFn) http.Handler {
	return gateway.Handler(gateway.Config{
		CheckOrigin: checkOrigin,
		Inject:      s.handleFrame,
		Logger:      s.log,
	})
}

// addHandler binds a channel to its server event.
func (s *Server) addHandler(channel string, ev serverReceiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.events[channel]; dup {
		panic("tickwire: channel " + channel + " already bound")
	}
	s.events[channel] = ev
}

func (s *Server) receiveLoop(udp *net.UDPConn, stop chan struct{}) {
	defer s.wg.Done()

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
			default:
				s.log.Warn("receive failed", zap.Error(err))
			}
			return
		}

		// Queued packets outlive this iteration, so the frame is copied
		// out of the reusable read buffer.
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleFrame(udpEndpoint{udp: udp, addr: addr}, data)
	}
}

// handleFrame is the single entry point for inbound frames from both the
// UDP socket and gateway sessions: rate limit, parse, then answer
// internal channels immediately or queue for the tick loop.
func (s *Server) handleFrame(ep conn.Endpoint, data []byte) {
	if s.artificialDelay > 0 {
		time.Sleep(s.artificialDelay)
	}

	if !s.allow(ep) {
		observe.IncDropped("rate_limited")
		s.log.Warn("dropping packet: rate limited", zap.String("endpoint", ep.String()))
		return
	}

	pkt, err := wire.Parse(data)
	if err != nil {
		observe.IncDropped("bad_format")
		s.log.Warn("dropping packet: bad format",
			zap.String("endpoint", ep.String()),
			zap.Error(err))
		return
	}

	if pkt.Internal() {
		observe.IncReceived("internal")
		fn := s.internal[pkt.Channel]
		if fn == nil {
			observe.IncDropped("unknown_channel")
			s.log.Warn("dropping packet: unknown internal channel",
				zap.String("channel", pkt.Channel))
			return
		}
		fn(ep, pkt.Content)
		return
	}

	observe.IncReceived("app")
	s.proc.Queue(pkt)
}

// allow checks the endpoint's token bucket, creating it on first contact.
func (s *Server) allow(ep conn.Endpoint) bool {
	if !s.rateLimit.Enabled {
		return true
	}
	key := ep.String()

	s.limitMu.Lock()
	e, ok := s.limiters[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(s.rateLimit.MessagesPerSecond, s.rateLimit.Burst)}
		s.limiters[key] = e
	}
	e.lastSeen = time.Now()
	s.limitMu.Unlock()

	return e.lim.Allow()
}

// dispatch hands one queued packet to its channel's handler. It runs on
// the tick goroutine.
func (s *Server) dispatch(pkt wire.Packet) {
	s.mu.RLock()
	ev := s.events[pkt.Channel]
	s.mu.RUnlock()
	if ev == nil {
		observe.IncDropped("unknown_channel")
		s.log.Warn("dropping packet: unknown channel", zap.String("channel", pkt.Channel))
		return
	}
	ev.receivePacket(pkt)
}

// broadcast marshals pkt and fans it out to every live connection.
func (s *Server) broadcast(pkt wire.Packet) {
	data, err := wire.Marshal(pkt)
	if err != nil {
		s.log.Warn("dropping broadcast: marshal failed",
			zap.String("channel", pkt.Channel),
			zap.Error(err))
		return
	}
	s.broadcastFrame(data)
}

func (s *Server) broadcastFrame(data []byte) {
	for _, cn := range s.conns.Snapshot() {
		// An endpoint that died between snapshot and send just loses the
		// frame; the sweep will drop the connection soon enough.
		if err := cn.Endpoint.Send(data); err != nil {
			s.log.Debug("broadcast send failed",
				zap.Uint32("connection_id", cn.ID),
				zap.Error(err))
		}
	}
	observe.IncBroadcast()
}

// handleConnect answers the connect handshake with a fresh connection id.
func (s *Server) handleConnect(ep conn.Endpoint, _ json.RawMessage) {
	id := s.conns.Add(ep)
	observe.SetOnline(float64(s.conns.Len()))

	s.log.Info("connection added",
		zap.Uint32("connection_id", id),
		zap.String("endpoint", ep.String()))
	s.replyTo(ep, ChannelConnect, connectAck{ConnectionID: id})
}

// handlePing refreshes the connection's liveness and answers with the
// echoed timestamp and the measured tick rate.
func (s *Server) handlePing(ep conn.Endpoint, content json.RawMessage) {
	var req pingRequest
	if err := json.Unmarshal(content, &req); err != nil {
		s.log.Warn("dropping ping: bad payload",
			zap.String("endpoint", ep.String()),
			zap.Error(err))
		return
	}

	if !s.conns.UpdatePing(req.ConnectionID) {
		s.log.Warn("ping for unknown connection",
			zap.Uint32("connection_id", req.ConnectionID),
			zap.String("endpoint", ep.String()))
	}
	observe.IncPing()

	s.replyTo(ep, ChannelPing, pingReply{
		ClientTimestamp: req.ClientTimestamp,
		ServerTickRate:  s.proc.RealTickRate(),
	})
}

// replyTo sends an internal reply to a single endpoint.
func (s *Server) replyTo(ep conn.Endpoint, channel string, payload any) {
	content, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("dropping reply: encode failed",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	data, err := wire.Marshal(wire.Packet{Channel: channel, Content: content})
	if err != nil {
		s.log.Warn("dropping reply: marshal failed",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	if err := ep.Send(data); err != nil {
		s.log.Warn("reply failed",
			zap.String("channel", channel),
			zap.String("endpoint", ep.String()),
			zap.Error(err))
	}
}

func (s *Server) cleanupLoop(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			removed := s.conns.CleanupExpired()
			if len(removed) > 0 {
				observe.SetOnline(float64(s.conns.Len()))
				for _, cn := range removed {
					s.log.Info("connection expired",
						zap.Uint32("connection_id", cn.ID),
						zap.String("endpoint", cn.Endpoint.String()))
				}
			}
			s.pruneLimiters()
		}
	}
}

// pruneLimiters drops token buckets for endpoints that have been silent
// for at least the connection timeout.
func (s *Server) pruneLimiters() {
	cutoff := time.Now().Add(-s.connTimeout)

	s.limitMu.Lock()
	for key, e := range s.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(s.limiters, key)
		}
	}
	s.limitMu.Unlock()
}

// udpEndpoint addresses one remote datagram peer through the server's
// shared socket.
type udpEndpoint struct {
	udp  *net.UDPConn
	addr *net.UDPAddr
}

func (e udpEndpoint) Send(data []byte) error {
	_, err := e.udp.WriteToUDP(data, e.addr)
	return err
}

func (e udpEndpoint) String() string { return e.addr.String() }
