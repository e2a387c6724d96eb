package tickwire

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/halvarsen/tickwire/internal/tick"
	"github.com/halvarsen/tickwire/internal/wire"
)

// Channels reserved for the built-in handshake. The "!" prefix marks a
// channel as internal; application channels must not start with it.
const (
	// ChannelConnect carries the connection handshake. The client sends an
	// empty payload and the server answers with the assigned connection id.
	ChannelConnect = "!connect"

	// ChannelPing carries the periodic keepalive. The client sends its
	// connection id and a timestamp; the server echoes the timestamp along
	// with its measured tick rate.
	ChannelPing = "!ping"
)

// Defaults applied when the corresponding config field is zero.
const (
	// DefaultPort is the UDP port servers bind and clients dial.
	DefaultPort = 3000

	// DefaultTickRate is the server's ideal tick frequency in Hz.
	DefaultTickRate = tick.DefaultIdealTickRate

	// DefaultConnectionTimeout is how long a connection may go without a
	// ping before the cleanup pass drops it.
	DefaultConnectionTimeout = 10 * time.Second

	// DefaultCleanupInterval is how often the server sweeps for expired
	// connections.
	DefaultCleanupInterval = 20 * time.Second

	// DefaultPingInterval is how often a started client pings the server.
	DefaultPingInterval = time.Second
)

// Errors returned by Start and the tick rate setters.
var (
	// ErrServerAlreadyRunning is returned by Server.Start when the server
	// is already started.
	ErrServerAlreadyRunning = errors.New("tickwire: server already running")

	// ErrClientAlreadyRunning is returned by Client.Start when the client
	// is already started.
	ErrClientAlreadyRunning = errors.New("tickwire: client already running")

	// ErrClientNotRunning is returned when an operation needs a started
	// client, such as sending on the handshake channels.
	ErrClientNotRunning = errors.New("tickwire: client not running")

	// ErrInvalidTickRate is returned for tick rates that are zero or
	// negative.
	ErrInvalidTickRate = tick.ErrInvalidTickRate
)

// connectAck is the payload of the server's !connect reply.
type connectAck struct {
	ConnectionID uint32 `json:"connection_id"`
}

// pingRequest is the client's !ping payload. The timestamp is milliseconds
// since the Unix epoch, carried as a decimal string.
type pingRequest struct {
	ConnectionID    uint32 `json:"connection_id"`
	ClientTimestamp string `json:"client_timestamp"`
}

// pingReply echoes the client timestamp and reports the server's measured
// tick rate.
type pingReply struct {
	ClientTimestamp string  `json:"client_timestamp"`
	ServerTickRate  float64 `json:"server_tick_rate"`
}

// mustValidChannel panics when channel cannot be registered by an
// application: registration happens at wiring time, where a bad name is a
// programming error rather than a runtime condition.
func mustValidChannel(channel string) {
	if strings.HasPrefix(channel, wire.InternalPrefix) {
		panic("tickwire: channel " + strconv.Quote(channel) + " uses the reserved internal prefix")
	}
	if !wire.ValidChannel(channel) {
		panic("tickwire: invalid channel name " + strconv.Quote(channel))
	}
}
