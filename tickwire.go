package tickwire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/halvarsen/tickwire/internal/observe"
	"github.com/halvarsen/tickwire/internal/wire"
)

// Mode selects how an interpolated event resolves its local value between
// authoritative broadcasts.
type Mode int

const (
	// PredictAcceptOptimistic applies sent values locally right away,
	// assuming the server will accept them. A reject broadcast rolls the
	// local value back to the authoritative one.
	PredictAcceptOptimistic Mode = iota

	// InterpolateOnly never predicts. The local value is driven toward the
	// most recent authoritative broadcast by a critically damped spring,
	// which suits channels owned by other clients.
	InterpolateOnly
)

// String returns the mode name used in logs.
func (m Mode) String() string {
	switch m {
	case PredictAcceptOptimistic:
		return "predict"
	case InterpolateOnly:
		return "interpolate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// PingUpdate is delivered to ping listeners each time the client completes
// a ping round trip with the server.
type PingUpdate struct {
	// TickRate is the server's measured tick rate in Hz at the time the
	// ping was answered.
	TickRate float64

	// RTT is the full round-trip time of the ping exchange.
	RTT time.Duration
}

// Codec converts event values to and from the wire payload. Encode
// must produce valid JSON; Decode is its inverse. Implementations are
// called concurrently and must be safe for concurrent use, which stateless
// codecs get for free.
type Codec[T any] interface {
	Encode(v T) (json.RawMessage, error)
	Decode(data json.RawMessage) (T, error)
}

// JSONCodec marshals values with encoding/json. It is the codec of choice
// for struct payloads such as [Vec2].
type JSONCodec[T any] struct{}

// Encode marshals v to JSON.
func (JSONCodec[T]) Encode(v T) (json.RawMessage, error) {
	return json.Marshal(v)
}

// Decode unmarshals data into a fresh T.
func (JSONCodec[T]) Decode(data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// RawCodec passes payloads through untouched, for channels whose schema is
// handled by the application.
type RawCodec struct{}

// Encode returns v as-is.
func (RawCodec) Encode(v json.RawMessage) (json.RawMessage, error) {
	return v, nil
}

// Decode returns data as-is.
func (RawCodec) Decode(data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

// CheckOriginFn decides whether a WebSocket gateway upgrade from the given
// request is allowed.
type CheckOriginFn func(r *http.Request) bool

// AllOrigins returns a CheckOriginFn that accepts every origin. Use it for
// development only; production deployments should whitelist their own
// origins.
func AllOrigins() CheckOriginFn {
	return func(*http.Request) bool { return true }
}

// MetricsHandler exposes the framework's Prometheus metrics for mounting
// on an HTTP mux, typically at /metrics.
func MetricsHandler() http.Handler {
	return observe.Handler()
}

// MaxDatagramSize is the largest wire frame the framework sends or
// accepts, matching the maximum UDP payload over IPv4.
const MaxDatagramSize = wire.MaxDatagramSize
