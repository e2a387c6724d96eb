// Package pool coalesces outbound packets per channel. A channel emits
// at most one packet per trigger interval; bursts inside the window
// collapse into a single deferred flush that always carries the newest
// packet, so the final value of a burst is never lost.
package pool

import (
	"sync"
	"time"

	"github.com/halvarsen/tickwire/internal/observe"
	"github.com/halvarsen/tickwire/internal/wire"
)

// DefaultTimeout is the longest a coalesced packet is held before it is
// flushed. The trigger interval is always half of it.
const DefaultTimeout = 200 * time.Millisecond

// Flush receives packets the pool decided to emit.
type Flush func(pkt wire.Packet)

type entry struct {
	insertion     time.Time // last fast-path flush
	lastInsertion time.Time // last Add call
	packet        wire.Packet
	scheduled     bool
}

// Pool rate-limits outbound packets per channel.
//
// A packet added to a quiet channel flushes on the fast path right
// away. Packets added inside the trigger window are held back: the
// first arms a one-shot timer for the timeout, later ones only replace
// the held packet. At most one timer is armed per channel at any time.
type Pool struct {
	mu        sync.Mutex
	entries   map[string]*entry
	listeners []Flush
	timeout   time.Duration
	trigger   time.Duration
	closed    bool
}

// New returns a pool with the default timeout.
func New() *Pool {
	p := &Pool{entries: make(map[string]*entry)}
	p.SetTimeout(DefaultTimeout)
	return p
}

// OnFlush registers a listener for emitted packets. Listeners run
// outside the pool lock, on whichever goroutine triggered the flush.
func (p *Pool) OnFlush(fn Flush) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// SetTimeout changes the hold timeout and derives the trigger interval
// as half of it. Timers already armed keep their original delay.
func (p *Pool) SetTimeout(timeout time.Duration) {
	p.mu.Lock()
	p.timeout = timeout
	p.trigger = timeout / 2
	p.mu.Unlock()
}

// Timeout returns the current hold timeout.
func (p *Pool) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// Add routes a packet through the coalescer for its channel.
func (p *Pool) Add(pkt wire.Packet) {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	e, ok := p.entries[pkt.Channel]
	if !ok {
		e = &entry{insertion: now, lastInsertion: now, packet: pkt}
		p.entries[pkt.Channel] = e
	}
	e.lastInsertion = now

	// Quiet channel: flush immediately and open a new trigger window.
	if now.Sub(e.insertion) > p.trigger && !e.scheduled {
		e.insertion = now
		listeners := p.snapshotListeners()
		p.mu.Unlock()

		observe.IncPoolFlush("fast")
		emit(listeners, pkt)
		return
	}

	// Inside the window: hold the newest packet for the deferred flush.
	e.packet = pkt
	if e.scheduled {
		p.mu.Unlock()
		return
	}
	e.scheduled = true
	timeout := p.timeout
	p.mu.Unlock()

	time.AfterFunc(timeout, func() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		e.scheduled = false
		held := e.packet
		listeners := p.snapshotListeners()
		p.mu.Unlock()

		observe.IncPoolFlush("timer")
		emit(listeners, held)
	})
}

// Close disarms all pending flushes. Packets added afterwards are
// dropped.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// snapshotListeners copies the listener list; callers must hold the
// lock.
func (p *Pool) snapshotListeners() []Flush {
	return append([]Flush(nil), p.listeners...)
}

func emit(listeners []Flush, pkt wire.Packet) {
	for _, fn := range listeners {
		fn(pkt)
	}
}
