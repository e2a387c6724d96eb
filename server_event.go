package tickwire

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/halvarsen/tickwire/internal/wire"
)

// Response carries the server's verdict on one inbound request. The
// handler calls Accept or Reject with the value to broadcast; when it
// calls both, the last call wins. A handler that calls neither suppresses
// the broadcast entirely.
type Response[T any] struct {
	decided  bool
	accepted bool
	value    T
}

// Accept approves the request and broadcasts v under the request's id, so
// the sender's prediction is confirmed.
func (r *Response[T]) Accept(v T) {
	r.decided = true
	r.accepted = true
	r.value = v
}

// Reject refuses the request and broadcasts v as the authoritative
// correction, carrying the reject id so the sender rolls back.
func (r *Response[T]) Reject(v T) {
	r.decided = true
	r.accepted = false
	r.value = v
}

// serverReceiver is the erased handle the tick loop dispatches queued
// packets through.
type serverReceiver interface {
	receivePacket(pkt wire.Packet)
}

// serverEvent binds one channel to its application handler and broadcasts
// the verdict to every live connection.
type serverEvent[T any] struct {
	channel   string
	codec     Codec[T]
	handler   func(value T, resp *Response[T])
	broadcast func(pkt wire.Packet)
	log       *zap.Logger
}

// Handle binds channel to a typed handler on the server. The handler runs
// on the tick goroutine, one packet at a time; its verdict is broadcast
// after it returns. Handle panics if the channel name is invalid,
// reserved, or already bound.
func Handle[T any](s *Server, channel string, codec Codec[T], handler func(value T, resp *Response[T])) {
	mustValidChannel(channel)
	if codec == nil {
		panic("tickwire: nil codec for channel " + channel)
	}
	if handler == nil {
		panic("tickwire: nil handler for channel " + channel)
	}
	s.addHandler(channel, &serverEvent[T]{
		channel:   channel,
		codec:     codec,
		handler:   handler,
		broadcast: s.broadcast,
		log:       s.log,
	})
}

// HandleJSON binds channel to a raw JSON handler, leaving the payload
// schema to the application.
func (s *Server) HandleJSON(channel string, handler func(value json.RawMessage, resp *Response[json.RawMessage])) {
	Handle[json.RawMessage](s, channel, RawCodec{}, handler)
}

func (e *serverEvent[T]) receivePacket(pkt wire.Packet) {
	v, err := e.codec.Decode(pkt.Content)
	if err != nil {
		e.log.Warn("dropping packet: decode failed",
			zap.String("channel", e.channel),
			zap.Error(err))
		return
	}

	resp := &Response[T]{}
	e.handler(v, resp)
	if !resp.decided {
		return
	}

	content, err := e.codec.Encode(resp.value)
	if err != nil {
		e.log.Warn("dropping broadcast: encode failed",
			zap.String("channel", e.channel),
			zap.Error(err))
		return
	}

	id := pkt.ID
	if !resp.accepted {
		id = wire.RejectID
	}
	e.broadcast(wire.Packet{Channel: e.channel, ID: id, Content: content})
}
