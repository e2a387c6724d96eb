package tickwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halvarsen/tickwire/internal/pool"
	"github.com/halvarsen/tickwire/internal/wire"
)

// ClientConfig configures a Client. The zero value of every field selects
// a sensible default.
type ClientConfig struct {
	// ServerAddress is the server host name or IP. Defaults to localhost.
	ServerAddress string

	// ServerPort is the server's UDP port. Defaults to DefaultPort.
	ServerPort int

	// PingInterval is how often the client pings the server once started.
	// Defaults to DefaultPingInterval.
	PingInterval time.Duration

	// ArtificialDelay pauses the receive loop for the given duration
	// before each datagram is processed. It exists to make latency
	// visible when testing prediction and interpolation; leave it zero
	// in production.
	ArtificialDelay time.Duration

	// Logger receives the client's structured logs. A nil logger
	// disables logging.
	Logger *zap.Logger
}

// Client is the connecting side of the framework. It owns one UDP socket,
// a send pool that coalesces outbound values per channel, and the typed
// event handles created by [Register], [RegisterInterpolated] and
// [Client.RegisterJSON].
//
// Register all channels before calling Start; a started client dispatches
// concurrently with registration otherwise.
type Client struct {
	id              string
	log             *zap.Logger
	serverAddress   string
	serverPort      int
	pingInterval    time.Duration
	artificialDelay time.Duration

	internal map[string]func(content json.RawMessage)

	mu            sync.RWMutex
	pool          *pool.Pool
	events        map[string]receiver
	running       bool
	conn          *net.UDPConn
	serverAddr    *net.UDPAddr
	connID        uint32
	hasConnID     bool
	rtt           time.Duration
	tickRate      float64
	pingListeners []func(PingUpdate)

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewClient creates a client for the given configuration. A nil cfg uses
// all defaults. The client does not touch the network until Start.
func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		id:              uuid.New().String(),
		serverAddress:   cfg.ServerAddress,
		serverPort:      cfg.ServerPort,
		pingInterval:    cfg.PingInterval,
		artificialDelay: cfg.ArtificialDelay,
		events:          make(map[string]receiver),
		pool:            pool.New(),
	}
	if c.serverAddress == "" {
		c.serverAddress = "localhost"
	}
	if c.serverPort == 0 {
		c.serverPort = DefaultPort
	}
	if c.pingInterval == 0 {
		c.pingInterval = DefaultPingInterval
	}
	c.log = log.With(zap.String("client_id", c.id))
	c.pool.OnFlush(c.transmit)

	c.internal = map[string]func(json.RawMessage){
		ChannelConnect: c.onConnectAck,
		ChannelPing:    c.onPingReply,
	}
	return c
}

// ID returns the client's unique instance identifier, generated at
// construction. It identifies the process in logs and is unrelated to the
// server-assigned connection id.
func (c *Client) ID() string { return c.id }

// Start opens the UDP socket, sends the connect handshake, and launches
// the receive and ping loops. Cancelling ctx stops the client. Start
// returns ErrClientAlreadyRunning when called twice without a Stop in
// between.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrClientAlreadyRunning
	}

	serverAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(c.serverAddress, strconv.Itoa(c.serverPort)))
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("resolve server address: %w", err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("open socket: %w", err)
	}

	c.conn = conn
	c.serverAddr = serverAddr
	c.running = true
	c.stop = make(chan struct{})
	c.mu.Unlock()

	if err := c.sendDirect(ChannelConnect, struct{}{}); err != nil {
		conn.Close()
		c.mu.Lock()
		c.running = false
		c.conn = nil
		c.mu.Unlock()
		return fmt.Errorf("send connect: %w", err)
	}

	stop := c.stop
	c.wg.Add(2)
	go c.receiveLoop(conn, stop)
	go c.pingLoop(stop)

	go func() {
		select {
		case <-ctx.Done():
			c.Stop(context.Background())
		case <-stop:
		}
	}()

	c.log.Info("client started", zap.String("server", serverAddr.String()))
	return nil
}

// Stop closes the socket and joins the client's goroutines. Pending
// coalesced values are dropped. Stopping a client that is not running is
// a no-op; a stopped client can be started again.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	conn := c.conn
	pl := c.pool
	stop := c.stop
	c.mu.Unlock()

	close(stop)
	conn.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// The closed pool drops anything still coalescing; a fresh one keeps
	// the client restartable.
	pl.Close()
	c.mu.Lock()
	c.pool = pool.New()
	c.pool.OnFlush(c.transmit)
	c.conn = nil
	c.hasConnID = false
	c.mu.Unlock()

	c.log.Info("client stopped")
	return nil
}

// ConnectionID returns the server-assigned connection id, and false while
// the connect handshake has not completed.
func (c *Client) ConnectionID() (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID, c.hasConnID
}

// Ping returns the most recent round-trip time, or zero before the first
// ping exchange completes.
func (c *Client) Ping() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtt
}

// TickRate returns the server's measured tick rate as reported by the
// most recent ping reply, or zero before the first one.
func (c *Client) TickRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tickRate
}

// PoolTimeout returns the send pool's current coalescing window. The
// window starts at the pool default and retunes to the server's tick
// interval as ping replies arrive.
func (c *Client) PoolTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool.Timeout()
}

// OnPingUpdate registers fn to run after every completed ping exchange.
// Listeners run on the client's receive goroutine and must not block.
func (c *Client) OnPingUpdate(fn func(PingUpdate)) {
	c.mu.Lock()
	c.pingListeners = append(c.pingListeners, fn)
	c.mu.Unlock()
}

// SendJSON hands a raw payload to the send pool for channel. Like every
// pooled send it is unsequenced and may be coalesced away by a later send
// on the same channel.
func (c *Client) SendJSON(channel string, content json.RawMessage) error {
	if strings.HasPrefix(channel, wire.InternalPrefix) {
		return fmt.Errorf("%w: reserved channel %q", wire.ErrBadFormat, channel)
	}
	if !wire.ValidChannel(channel) {
		return fmt.Errorf("%w: invalid channel %q", wire.ErrBadFormat, channel)
	}
	c.emitPooled(wire.Packet{Channel: channel, Content: content})
	return nil
}

// addReceiver binds a channel to its event handle.
func (c *Client) addReceiver(channel string, r receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.events[channel]; dup {
		panic("tickwire: channel " + strconv.Quote(channel) + " already registered")
	}
	c.events[channel] = r
}

// emitPooled is the emit hook shared by all event handles.
func (c *Client) emitPooled(pkt wire.Packet) {
	c.mu.RLock()
	pl := c.pool
	c.mu.RUnlock()
	pl.Add(pkt)
}

// transmit marshals a flushed packet and writes it to the server. It is
// the pool's flush listener, so it runs on whatever goroutine triggered
// the flush.
func (c *Client) transmit(pkt wire.Packet) {
	data, err := wire.Marshal(pkt)
	if err != nil {
		c.log.Warn("dropping outbound packet: marshal failed",
			zap.String("channel", pkt.Channel),
			zap.Error(err))
		return
	}

	c.mu.RLock()
	conn, addr := c.conn, c.serverAddr
	c.mu.RUnlock()
	if conn == nil {
		c.log.Warn("dropping outbound packet: client not running",
			zap.String("channel", pkt.Channel))
		return
	}

	if _, err := conn.WriteToUDP(data, addr); err != nil {
		c.log.Warn("send failed",
			zap.String("channel", pkt.Channel),
			zap.Error(err))
	}
}

// sendDirect marshals payload and writes it to the server immediately,
// bypassing the pool. The handshake channels use it so connects and pings
// are never coalesced or delayed.
func (c *Client) sendDirect(channel string, payload any) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", channel, err)
	}
	data, err := wire.Marshal(wire.Packet{Channel: channel, Content: content})
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn, addr := c.conn, c.serverAddr
	c.mu.RUnlock()
	if conn == nil {
		return ErrClientNotRunning
	}

	_, err = conn.WriteToUDP(data, addr)
	return err
}

func (c *Client) receiveLoop(conn *net.UDPConn, stop chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
			default:
				c.log.Warn("receive failed", zap.Error(err))
			}
			return
		}
		if c.artificialDelay > 0 {
			time.Sleep(c.artificialDelay)
		}

		// Raw payloads may be retained past this iteration, so the frame
		// is copied out of the reusable read buffer.
		data := make([]byte, n)
		copy(data, buf[:n])
		c.handleDatagram(data)
	}
}

func (c *Client) handleDatagram(data []byte) {
	pkt, err := wire.Parse(data)
	if err != nil {
		c.log.Warn("dropping packet: bad format", zap.Error(err))
		return
	}

	if pkt.Internal() {
		fn := c.internal[pkt.Channel]
		if fn == nil {
			c.log.Warn("dropping packet: unknown internal channel",
				zap.String("channel", pkt.Channel))
			return
		}
		fn(pkt.Content)
		return
	}

	c.mu.RLock()
	ev := c.events[pkt.Channel]
	c.mu.RUnlock()
	if ev == nil {
		c.log.Warn("dropping packet: unknown channel",
			zap.String("channel", pkt.Channel))
		return
	}
	ev.receivePacket(pkt)
}

func (c *Client) pingLoop(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sendPing()
		}
	}
}

func (c *Client) sendPing() {
	id, ok := c.ConnectionID()
	if !ok {
		c.log.Warn("skipping ping: not connected yet")
		return
	}

	req := pingRequest{
		ConnectionID:    id,
		ClientTimestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if err := c.sendDirect(ChannelPing, req); err != nil {
		c.log.Warn("ping send failed", zap.Error(err))
	}
}

// onConnectAck finishes the connect handshake.
func (c *Client) onConnectAck(content json.RawMessage) {
	var ack connectAck
	if err := json.Unmarshal(content, &ack); err != nil {
		c.log.Warn("dropping connect reply: bad payload", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.connID = ack.ConnectionID
	c.hasConnID = true
	c.mu.Unlock()

	c.log.Info("connected", zap.Uint32("connection_id", ack.ConnectionID))
}

// onPingReply completes a ping round trip: it records the RTT and the
// server's tick rate, retunes the send pool so one coalescing window
// covers two server ticks, and notifies ping listeners.
func (c *Client) onPingReply(content json.RawMessage) {
	var reply pingReply
	if err := json.Unmarshal(content, &reply); err != nil {
		c.log.Warn("dropping ping reply: bad payload", zap.Error(err))
		return
	}
	sentMs, err := strconv.ParseInt(reply.ClientTimestamp, 10, 64)
	if err != nil {
		c.log.Warn("dropping ping reply: bad timestamp",
			zap.String("client_timestamp", reply.ClientTimestamp),
			zap.Error(err))
		return
	}
	rtt := time.Since(time.UnixMilli(sentMs))

	c.mu.Lock()
	c.rtt = rtt
	c.tickRate = reply.ServerTickRate
	listeners := append(([]func(PingUpdate))(nil), c.pingListeners...)
	pl := c.pool
	c.mu.Unlock()

	if reply.ServerTickRate > 0 {
		pl.SetTimeout(time.Duration(2000/reply.ServerTickRate) * time.Millisecond)
	}

	update := PingUpdate{TickRate: reply.ServerTickRate, RTT: rtt}
	for _, fn := range listeners {
		fn(update)
	}
}
