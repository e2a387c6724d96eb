// Package wire implements the datagram framing shared by the client and
// the server: a textual header followed by a JSON document.
//
//	<channel>:<id>;<payload>
//
// The first ';' terminates the header, the first ':' inside the header
// separates the channel name from the packet id. The payload may freely
// contain ':' and ';'.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxDatagramSize is the largest frame either side will send or receive:
// the 16-bit UDP length field minus the IPv4 header (20 bytes) and the
// UDP header (8 bytes).
const MaxDatagramSize = 0xFFFF - 20 - 8

// InternalPrefix marks framework-reserved channels such as "!connect".
const InternalPrefix = "!"

// RejectID is the packet id a server broadcasts to refuse a request.
// Receivers treat any negative id as a reject.
const RejectID int32 = -1

// ErrBadFormat is returned by Parse and Marshal when a frame or packet
// does not satisfy the framing rules. Receivers log and drop such input.
var ErrBadFormat = errors.New("bad packet format")

// Packet is the unit of exchange on the wire.
//
// ID carries the per-channel sequencing state: values > 0 are sequence
// numbers assigned by the sending client, 0 means unsequenced (internal
// and fire-and-forget packets), and negative values mark a server-side
// reject of the request the broadcast answers.
type Packet struct {
	Channel string
	ID      int32
	Content json.RawMessage
}

// Internal reports whether the packet addresses a framework-reserved
// channel.
func (p Packet) Internal() bool {
	return strings.HasPrefix(p.Channel, InternalPrefix)
}

// ValidChannel reports whether name can be used as a channel name:
// non-empty and free of the two separator characters.
func ValidChannel(name string) bool {
	return name != "" && !strings.ContainsAny(name, ":;")
}

// Parse decodes a received frame.
//
// The returned Content slice references data for performance - callers
// that retain the packet past the lifetime of the receive buffer must
// copy the frame first.
func Parse(data []byte) (Packet, error) {
	sep := bytes.IndexByte(data, ';')
	if sep < 0 {
		return Packet{}, fmt.Errorf("%w: missing ';' separator", ErrBadFormat)
	}

	header := data[:sep]
	idSep := bytes.IndexByte(header, ':')
	if idSep < 0 {
		return Packet{}, fmt.Errorf("%w: header missing ':' separator", ErrBadFormat)
	}

	channel := string(header[:idSep])
	if channel == "" {
		return Packet{}, fmt.Errorf("%w: empty channel", ErrBadFormat)
	}

	id, err := strconv.ParseInt(string(header[idSep+1:]), 10, 32)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: packet id %q", ErrBadFormat, header[idSep+1:])
	}

	payload := data[sep+1:]
	if !json.Valid(payload) {
		return Packet{}, fmt.Errorf("%w: payload is not valid JSON", ErrBadFormat)
	}

	return Packet{Channel: channel, ID: int32(id), Content: json.RawMessage(payload)}, nil
}

// Marshal encodes a packet into its frame. It is the exact inverse of
// Parse: Parse(Marshal(p)) yields p for every valid packet.
func Marshal(p Packet) ([]byte, error) {
	if !ValidChannel(p.Channel) {
		return nil, fmt.Errorf("%w: invalid channel %q", ErrBadFormat, p.Channel)
	}
	if !json.Valid(p.Content) {
		return nil, fmt.Errorf("%w: content is not valid JSON", ErrBadFormat)
	}

	// channel + ':' + up to 11 digits of id + ';'
	buf := make([]byte, 0, len(p.Channel)+len(p.Content)+13)
	buf = append(buf, p.Channel...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(p.ID), 10)
	buf = append(buf, ';')
	buf = append(buf, p.Content...)

	if len(buf) > MaxDatagramSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(buf), MaxDatagramSize)
	}
	return buf, nil
}
