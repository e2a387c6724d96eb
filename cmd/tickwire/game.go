package main

import (
	"sync"

	"github.com/halvarsen/tickwire"
)

// Channels of the built-in two-player demo game: each player owns one
// position channel and watches the other's.
const (
	channelBlueMove = "bluemove"
	channelRedMove  = "redmove"
)

// moveGate is the demo game's server-side rule set: positions past the
// wall are clamped and rejected, and while the game is paused every move
// is rejected back to the player's last accepted position.
type moveGate struct {
	wallX float64

	mu     sync.Mutex
	paused bool
	last   map[string]tickwire.Vec2
}

func newMoveGate(wallX float64) *moveGate {
	return &moveGate{
		wallX: wallX,
		last:  make(map[string]tickwire.Vec2),
	}
}

// bind installs the gate on both demo channels.
func (g *moveGate) bind(srv *tickwire.Server) {
	tickwire.Handle(srv, channelBlueMove, tickwire.JSONCodec[tickwire.Vec2]{}, g.handler(channelBlueMove))
	tickwire.Handle(srv, channelRedMove, tickwire.JSONCodec[tickwire.Vec2]{}, g.handler(channelRedMove))
}

// togglePause flips the paused state and returns the new value.
func (g *moveGate) togglePause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = !g.paused
	return g.paused
}

func (g *moveGate) handler(channel string) func(tickwire.Vec2, *tickwire.Response[tickwire.Vec2]) {
	return func(pos tickwire.Vec2, resp *tickwire.Response[tickwire.Vec2]) {
		g.mu.Lock()
		defer g.mu.Unlock()

		if g.paused {
			resp.Reject(g.last[channel])
			return
		}
		if pos.X > g.wallX {
			pos.X = g.wallX
			g.last[channel] = pos
			resp.Reject(pos)
			return
		}
		g.last[channel] = pos
		resp.Accept(pos)
	}
}
