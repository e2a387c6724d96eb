// Package tick runs the server's fixed-rate processing loop. Packets
// queue up between ticks; each tick drains the queue in arrival order
// and hands every packet to the processor function.
package tick

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/halvarsen/tickwire/internal/observe"
	"github.com/halvarsen/tickwire/internal/wire"
)

// DefaultIdealTickRate is the tick frequency in Hz a new processor
// aims for.
const DefaultIdealTickRate = 5.0

// ErrInvalidTickRate is returned by SetTickRate for rates that are zero
// or negative.
var ErrInvalidTickRate = errors.New("tick rate must be positive")

// Processor drains a packet queue at a fixed ideal rate on its own
// worker goroutine and measures the rate it actually achieves.
//
// The processor function runs on the worker; it must return promptly or
// the measured rate degrades. It may call Queue itself: the queue is
// snapshotted before processing, so packets enqueued by a handler are
// picked up on the next tick rather than extending the current one.
type Processor struct {
	fn func(wire.Packet)

	mu        sync.Mutex
	queue     []wire.Packet
	idealRate float64
	realRate  float64
	running   bool

	stop chan struct{}
	done chan struct{}
}

// New returns a stopped processor delivering packets to fn at the
// default ideal rate.
func New(fn func(wire.Packet)) *Processor {
	return &Processor{
		fn:        fn,
		idealRate: DefaultIdealTickRate,
	}
}

// Queue appends a packet for the next tick. It never blocks on the
// drain; enqueue and drain only contend on a short critical section.
func (p *Processor) Queue(pkt wire.Packet) {
	p.mu.Lock()
	p.queue = append(p.queue, pkt)
	p.mu.Unlock()
}

// SetTickRate changes the ideal rate. Rates at or below zero are
// rejected with ErrInvalidTickRate.
func (p *Processor) SetTickRate(rate float64) error {
	if rate <= 0 {
		return ErrInvalidTickRate
	}
	p.mu.Lock()
	p.idealRate = rate
	p.mu.Unlock()
	return nil
}

// IdealTickRate returns the rate the processor is currently tuned to.
func (p *Processor) IdealTickRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idealRate
}

// RealTickRate returns the measured rate of the last tick, capped at
// the ideal rate. It is zero until the first tick completes.
func (p *Processor) RealTickRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realRate
}

// Start launches the worker goroutine. Starting a running processor is
// a no-op.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.mu.Unlock()

	go p.run(stop, done)
}

// Stop terminates the worker and waits for it to exit. Queued packets
// that have not been drained are discarded. Stopping a stopped
// processor is a no-op.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stop, p.done
	p.mu.Unlock()

	close(stop)
	<-done
}

func (p *Processor) run(stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		start := time.Now()

		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, pkt := range batch {
			p.fn(pkt)
		}

		elapsed := time.Since(start)
		p.updateRealRate(elapsed)

		if remaining := p.period() - elapsed; remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		} else {
			// Behind schedule: skip the sleep but still yield so the
			// loop cannot starve other goroutines.
			runtime.Gosched()
		}
	}
}

// period derives the tick duration from the current ideal rate,
// truncated to whole milliseconds.
func (p *Processor) period() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(1000/p.idealRate) * time.Millisecond
}

// updateRealRate records the rate implied by the processing time of the
// tick that just finished. A drain faster than the millisecond clock
// counts as running at the ideal rate.
func (p *Processor) updateRealRate(elapsed time.Duration) {
	p.mu.Lock()
	ms := elapsed.Milliseconds()
	if ms > 0 {
		r := 1000 / float64(ms)
		if r > p.idealRate {
			r = p.idealRate
		}
		p.realRate = r
	} else {
		p.realRate = p.idealRate
	}
	rate := p.realRate
	p.mu.Unlock()

	observe.SetTickRate(rate)
}
