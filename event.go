package tickwire

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/halvarsen/tickwire/internal/wire"
)

// receiver is the erased handle the client's dispatch loop delivers
// inbound packets through.
type receiver interface {
	receivePacket(pkt wire.Packet)
}

// Event is a typed client channel without prediction or interpolation.
// Values sent through it are coalesced by the client's send pool and
// carried unsequenced, so the server forwards them without accept/reject
// bookkeeping. Use [Register] to create one.
type Event[T any] struct {
	channel string
	codec   Codec[T]
	emit    func(pkt wire.Packet)
	log     *zap.Logger

	mu        sync.Mutex
	latest    T
	hasLatest bool
	onReceive func(T)
}

// Register adds a plain typed channel to the client and returns its event
// handle. It panics if the channel name is invalid, reserved, or already
// registered, since registration is part of wiring the application up.
func Register[T any](c *Client, channel string, codec Codec[T]) *Event[T] {
	mustValidChannel(channel)
	if codec == nil {
		panic("tickwire: nil codec for channel " + channel)
	}
	ev := &Event[T]{
		channel: channel,
		codec:   codec,
		emit:    c.emitPooled,
		log:     c.log,
	}
	c.addReceiver(channel, ev)
	return ev
}

// RegisterJSON adds a raw JSON channel to the client. The optional fn is
// invoked for every inbound packet on the channel.
func (c *Client) RegisterJSON(channel string, fn func(json.RawMessage)) *Event[json.RawMessage] {
	ev := Register[json.RawMessage](c, channel, RawCodec{})
	if fn != nil {
		ev.OnReceive(fn)
	}
	return ev
}

// Channel returns the channel name the event is bound to.
func (e *Event[T]) Channel() string { return e.channel }

// Send encodes v and hands it to the send pool. The value may be coalesced
// with later sends on the same channel before it reaches the wire.
func (e *Event[T]) Send(v T) error {
	content, err := e.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.channel, err)
	}
	e.emit(wire.Packet{Channel: e.channel, Content: content})
	return nil
}

// OnReceive sets the callback invoked for every inbound value on the
// channel. The callback runs on the client's receive goroutine and must
// not block; a nil fn clears it.
func (e *Event[T]) OnReceive(fn func(T)) {
	e.mu.Lock()
	e.onReceive = fn
	e.mu.Unlock()
}

// Latest returns the most recently received value, and false when nothing
// has arrived on the channel yet.
func (e *Event[T]) Latest() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, e.hasLatest
}

func (e *Event[T]) receivePacket(pkt wire.Packet) {
	v, err := e.codec.Decode(pkt.Content)
	if err != nil {
		e.log.Warn("dropping packet: decode failed",
			zap.String("channel", e.channel),
			zap.Error(err))
		return
	}

	e.mu.Lock()
	e.latest = v
	e.hasLatest = true
	fn := e.onReceive
	e.mu.Unlock()

	if fn != nil {
		fn(v)
	}
}
