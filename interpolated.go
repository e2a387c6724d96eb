package tickwire

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halvarsen/tickwire/internal/wire"
	"github.com/halvarsen/tickwire/spring"
)

// InterpolatedEvent is a typed client channel with sequenced sends and an
// authoritative feedback loop. Every Send is stamped with a fresh event id
// and remembered as expected; the server's broadcast either confirms it
// (same id) or rejects it (negative id), in which case the local value
// rolls back to the authoritative one. Use [RegisterInterpolated] to
// create one.
//
// How the local value tracks the channel depends on the event's [Mode]:
// under PredictAcceptOptimistic the value pins to whatever was sent last,
// and under InterpolateOnly it springs toward the latest broadcast.
type InterpolatedEvent[T spring.Value[T]] struct {
	channel string
	codec   Codec[T]
	mode    Mode
	emit    func(pkt wire.Packet)
	log     *zap.Logger

	mu           sync.Mutex
	interp       *spring.Interpolator[T]
	latest       T
	current      T
	lastEventID  int32
	expected     []int32
	lastReceived time.Time
	onReceive    func(T)
}

// RegisterInterpolated adds a sequenced channel to the client and returns
// its event handle with the local value at rest on initial. It panics
// under the same conditions as [Register].
func RegisterInterpolated[T spring.Value[T]](c *Client, channel string, codec Codec[T], mode Mode, initial T) *InterpolatedEvent[T] {
	mustValidChannel(channel)
	if codec == nil {
		panic("tickwire: nil codec for channel " + channel)
	}
	ev := &InterpolatedEvent[T]{
		channel: channel,
		codec:   codec,
		mode:    mode,
		emit:    c.emitPooled,
		log:     c.log,
		interp:  spring.New(initial),
		latest:  initial,
		current: initial,
	}
	c.addReceiver(channel, ev)
	return ev
}

// Channel returns the channel name the event is bound to.
func (e *InterpolatedEvent[T]) Channel() string { return e.channel }

// Mode returns the event's interpolation mode.
func (e *InterpolatedEvent[T]) Mode() Mode { return e.mode }

// Send stamps v with the next event id, records the id as expected, and
// hands the packet to the send pool. Under PredictAcceptOptimistic the
// local value is set to the encoded round trip of v, so Current reflects
// exactly what a confirming broadcast would carry.
func (e *InterpolatedEvent[T]) Send(v T) error {
	content, err := e.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.channel, err)
	}
	predicted := v
	if rt, err := e.codec.Decode(content); err == nil {
		predicted = rt
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextEventIDLocked()
	e.expected = append(e.expected, id)
	if e.mode == PredictAcceptOptimistic {
		e.current = predicted
	}
	e.emit(wire.Packet{Channel: e.channel, ID: id, Content: content})
	return nil
}

// Current returns the event's local value. Under PredictAcceptOptimistic
// this is the last predicted or authoritative value; under InterpolateOnly
// the spring is advanced by the elapsed wall-clock time first, so calling
// Current from a render loop yields smooth motion.
func (e *InterpolatedEvent[T]) Current() T {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == InterpolateOnly {
		e.current = e.interp.Update()
	}
	return e.current
}

// Latest returns the most recently broadcast value, or the initial value
// when nothing has arrived yet.
func (e *InterpolatedEvent[T]) Latest() T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// LastReceivedAt returns the arrival time of the most recent broadcast on
// the channel, or the zero time when nothing has arrived yet.
func (e *InterpolatedEvent[T]) LastReceivedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReceived
}

// OnReceive sets the callback invoked for every broadcast value on the
// channel. The callback runs on the client's receive goroutine and must
// not block; a nil fn clears it.
func (e *InterpolatedEvent[T]) OnReceive(fn func(T)) {
	e.mu.Lock()
	e.onReceive = fn
	e.mu.Unlock()
}

func (e *InterpolatedEvent[T]) receivePacket(pkt wire.Packet) {
	v, err := e.codec.Decode(pkt.Content)
	if err != nil {
		e.log.Warn("dropping packet: decode failed",
			zap.String("channel", e.channel),
			zap.Error(err))
		return
	}

	e.mu.Lock()
	e.latest = v
	e.interp.UpdateTarget(v)
	if !e.acceptLocked(pkt.ID) {
		// The server refused one of our sends. The broadcast value is the
		// authoritative correction, so prediction snaps back to it.
		e.current = v
	}
	e.lastReceived = time.Now()
	fn := e.onReceive
	e.mu.Unlock()

	if fn != nil {
		fn(v)
	}
}

// acceptLocked reconciles a broadcast id against the expected queue and
// reports whether the broadcast confirms rather than rejects.
func (e *InterpolatedEvent[T]) acceptLocked(id int32) bool {
	if id < 0 {
		return false
	}
	if id > e.lastEventID {
		// An id we never issued is a rebroadcast of some other client's
		// event, which voids whatever we were still expecting.
		e.expected = e.expected[:0]
	}
	for len(e.expected) > 0 && e.expected[0] < id {
		e.expected = e.expected[1:]
	}
	return true
}

// nextEventIDLocked returns the next send id. Ids grow monotonically from
// 1 and wrap back to 1 past MaxInt32; 0 stays reserved for unsequenced
// packets.
func (e *InterpolatedEvent[T]) nextEventIDLocked() int32 {
	if e.lastEventID == math.MaxInt32 {
		e.lastEventID = 0
	}
	e.lastEventID++
	return e.lastEventID
}
