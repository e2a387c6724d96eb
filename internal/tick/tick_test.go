package tick

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/halvarsen/tickwire/internal/wire"
)

// collector gathers processed packets across ticks.
type collector struct {
	mu      sync.Mutex
	packets []wire.Packet
}

func (c *collector) add(pkt wire.Packet) {
	c.mu.Lock()
	c.packets = append(c.packets, pkt)
	c.mu.Unlock()
}

func (c *collector) snapshot() []wire.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Packet(nil), c.packets...)
}

func pkt(channel string, id int32) wire.Packet {
	return wire.Packet{Channel: channel, ID: id, Content: []byte(`{}`)}
}

// TestDrainPreservesOrder tests that one tick processes queued packets in arrival order
func TestDrainPreservesOrder(t *testing.T) {
	t.Parallel()

	var got collector
	p := New(got.add)
	if err := p.SetTickRate(50); err != nil {
		t.Fatalf("SetTickRate(50) failed: %v", err)
	}

	p.Queue(pkt("move", 1))
	p.Queue(pkt("move", 2))
	p.Queue(pkt("chat", 3))

	p.Start()
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for len(got.snapshot()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("processed %d packets before deadline, want 3", len(got.snapshot()))
		case <-time.After(10 * time.Millisecond):
		}
	}

	packets := got.snapshot()
	for i, want := range []int32{1, 2, 3} {
		if packets[i].ID != want {
			t.Errorf("packets[%d].ID = %d, want %d", i, packets[i].ID, want)
		}
	}
}

// TestSetTickRate tests tick rate validation
func TestSetTickRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		rate      float64
		wantError bool
	}{
		{"positive", 10, false},
		{"fractional", 0.5, false},
		{"zero", 0, true},
		{"negative", -5, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := New(func(wire.Packet) {})
			err := p.SetTickRate(tt.rate)

			if (err != nil) != tt.wantError {
				t.Errorf("SetTickRate(%v) error = %v, wantError %v", tt.rate, err, tt.wantError)
			}
			if tt.wantError && !errors.Is(err, ErrInvalidTickRate) {
				t.Errorf("SetTickRate(%v) error = %v, want ErrInvalidTickRate", tt.rate, err)
			}
		})
	}
}

// TestIdleRealRateEqualsIdeal tests that an idle loop reports the ideal rate
func TestIdleRealRateEqualsIdeal(t *testing.T) {
	t.Parallel()

	p := New(func(wire.Packet) {})
	if err := p.SetTickRate(20); err != nil {
		t.Fatalf("SetTickRate(20) failed: %v", err)
	}

	p.Start()
	defer p.Stop()

	// Several idle periods at 20 Hz.
	time.Sleep(200 * time.Millisecond)

	if got := p.RealTickRate(); got != 20 {
		t.Errorf("RealTickRate() = %v while idle, want 20", got)
	}
}

// TestRealRateNeverExceedsIdeal tests the measured-rate ceiling under load
func TestRealRateNeverExceedsIdeal(t *testing.T) {
	t.Parallel()

	const ideal = 10.0

	slow := func(wire.Packet) { time.Sleep(150 * time.Millisecond) }
	p := New(slow)
	if err := p.SetTickRate(ideal); err != nil {
		t.Fatalf("SetTickRate failed: %v", err)
	}

	p.Start()
	defer p.Stop()

	// Keep feeding packets so ticks stay busy past their 100ms period,
	// sampling the measured rate as we go.
	sawBusy := false
	stop := time.After(600 * time.Millisecond)
	for running := true; running; {
		p.Queue(pkt("move", 1))
		select {
		case <-stop:
			running = false
		case <-time.After(20 * time.Millisecond):
		}

		got := p.RealTickRate()
		if got > ideal {
			t.Fatalf("RealTickRate() = %v, want <= %v", got, ideal)
		}
		if got > 0 && got < ideal {
			sawBusy = true
		}
	}

	// A 150ms+ drain must have pushed the measured rate under the ideal
	// at some point.
	if !sawBusy {
		t.Error("RealTickRate() never dropped below the ideal under load")
	}
}

// TestHandlerMayQueue tests that a handler enqueuing more work does not deadlock
func TestHandlerMayQueue(t *testing.T) {
	t.Parallel()

	var got collector
	var p *Processor
	p = New(func(in wire.Packet) {
		got.add(in)
		if in.Channel == "first" {
			p.Queue(pkt("second", 2))
		}
	})
	if err := p.SetTickRate(50); err != nil {
		t.Fatalf("SetTickRate failed: %v", err)
	}

	p.Queue(pkt("first", 1))
	p.Start()
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for len(got.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("processed %d packets before deadline, want 2", len(got.snapshot()))
		case <-time.After(10 * time.Millisecond):
		}
	}

	packets := got.snapshot()
	if packets[0].Channel != "first" || packets[1].Channel != "second" {
		t.Errorf("processed channels = %q, %q; want first, second", packets[0].Channel, packets[1].Channel)
	}
}

// TestStopJoinsWorker tests that Stop returns promptly and halts processing
func TestStopJoinsWorker(t *testing.T) {
	t.Parallel()

	var got collector
	p := New(got.add)

	p.Start()
	start := time.Now()
	p.Stop()
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("Stop() took %v, want prompt return", waited)
	}

	// Packets queued after Stop are never processed.
	p.Queue(pkt("late", 9))
	time.Sleep(50 * time.Millisecond)
	if n := len(got.snapshot()); n != 0 {
		t.Errorf("processed %d packets after Stop, want 0", n)
	}
}

// TestStartStopIdempotent tests repeated lifecycle transitions
func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()

	p := New(func(wire.Packet) {})

	p.Stop() // stopped processor: no-op
	p.Start()
	p.Start() // running processor: no-op
	p.Stop()
	p.Stop()

	// Restart still works.
	p.Start()
	p.Stop()
}
