// Package tickwire provides an authoritative client/server networking
// framework over UDP for realtime applications.
//
// Clients send values on named channels; the server drains everything
// that arrived since the last tick at a fixed rate, runs the channel's
// handler, and broadcasts the accepted or corrected value to every
// connection. On the client side, values sent on a channel are predicted
// locally while the server's verdict is in flight, and values owned by
// other clients are smoothed with a critically damped spring so motion
// at a coarse tick rate looks continuous.
//
// # Architecture
//
// The server owns a single UDP socket and three loops: a receive loop
// that rate-limits, parses, and routes inbound frames; a tick loop that
// processes queued application packets at the ideal tick rate; and a
// sweep that drops connections that stopped pinging. Internal channels
// (the "!connect" and "!ping" handshake) are answered immediately from
// the receive loop, outside the tick cadence.
//
// Clients coalesce outbound sends per channel in a pool: a burst of
// sends within the coalescing window collapses to the newest value, so
// a 60 Hz input loop does not flood a 5 Hz server. The window retunes
// itself to the server's measured tick rate as ping replies arrive.
//
// # Quick Start
//
//	// Server: clamp a position channel at x=300.
//	server, _ := tickwire.NewServer(&tickwire.ServerConfig{Port: 3000})
//	tickwire.Handle(server, "move", tickwire.JSONCodec[tickwire.Vec2]{},
//	    func(pos tickwire.Vec2, resp *tickwire.Response[tickwire.Vec2]) {
//	        if pos.X > 300 {
//	            pos.X = 300
//	            resp.Reject(pos) // authoritative correction
//	            return
//	        }
//	        resp.Accept(pos)
//	    })
//	server.Start(ctx)
//
//	// Client: predict own movement, watch the channel.
//	client := tickwire.NewClient(&tickwire.ClientConfig{ServerPort: 3000})
//	move := tickwire.RegisterInterpolated(client, "move",
//	    tickwire.JSONCodec[tickwire.Vec2]{}, tickwire.PredictAcceptOptimistic, tickwire.Vec2{})
//	client.Start(ctx)
//
//	move.Send(tickwire.Vec2{X: 10})  // applied locally right away
//	pos := move.Current()            // rolls back if the server rejects
//
// # Wire Format
//
// Every frame is a single datagram of the form
//
//	<channel>:<id>;<json-payload>
//
// where channel is the event name, id is the packet sequence marker, and
// the payload is any valid JSON. Positive ids sequence the sends of an
// interpolated event; id 0 marks an unsequenced packet; negative ids are
// reject markers carried by authoritative corrections. Frames are capped
// at 65507 bytes, the largest UDP payload over IPv4.
//
// # Internal Channels
//
// Channels starting with "!" are reserved. A starting client sends
// "!connect" and receives its connection id; it then pings every second
// on "!ping" with a timestamp the server echoes back together with its
// measured tick rate. Connections that stop pinging for 10 seconds are
// dropped by the sweep. Application channel names must not start
// with "!".
//
// # Prediction and Interpolation
//
// An interpolated event tracks which send ids are still awaiting a
// verdict. A broadcast carrying one of its own ids confirms the
// prediction; a negative id is a reject, and the local value snaps to
// the broadcast value. A broadcast carrying an id the event never issued
// is another client's update: under InterpolateOnly the local value
// springs toward it without overshooting, which hides the tick quantum.
//
// # WebSocket Gateway
//
// Server.GatewayHandler returns an http.Handler that upgrades requests
// and feeds WebSocket frames into the same receive path as datagrams, so
// browser clients speak the identical wire format. Configure the origin
// check in production; AllOrigins is for development.
//
// # Rate Limiting
//
// Each remote endpoint has an independent token bucket:
//
//	// Default: 100 packets/second, burst 200
//	server, _ := tickwire.NewServer(&tickwire.ServerConfig{})
//
//	// Custom
//	server, _ := tickwire.NewServer(&tickwire.ServerConfig{
//	    RateLimit: &tickwire.RateLimitConfig{MessagesPerSecond: 50, Burst: 100, Enabled: true},
//	})
//
//	// Disabled
//	server, _ := tickwire.NewServer(&tickwire.ServerConfig{RateLimit: tickwire.NoRateLimit()})
//
// Packets beyond the limit are dropped and counted; UDP has no
// connection to close.
//
// # Metrics
//
// MetricsHandler exposes Prometheus counters and gauges for received and
// dropped packets, live connections, broadcasts, pool flushes, pings,
// and the measured tick rate.
//
// # Important
//
//   - Register channels before Start on both sides.
//   - Event callbacks run on the receive or tick goroutine; do not block.
//   - Pooled sends are lossy: within a coalescing window only the
//     newest value survives.
//   - UDP delivery is best-effort; the authoritative broadcast is the
//     source of truth, not the send.
package tickwire
