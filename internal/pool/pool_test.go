package pool

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/halvarsen/tickwire/internal/wire"
)

// recorder collects flushed packets with their flush times.
type recorder struct {
	mu      sync.Mutex
	flushes []flush
}

type flush struct {
	at  time.Time
	pkt wire.Packet
}

func (r *recorder) listen(pkt wire.Packet) {
	r.mu.Lock()
	r.flushes = append(r.flushes, flush{at: time.Now(), pkt: pkt})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []flush {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flush(nil), r.flushes...)
}

func pkt(channel string, id int32) wire.Packet {
	return wire.Packet{Channel: channel, ID: id, Content: []byte(fmt.Sprintf(`{"n":%d}`, id))}
}

// waitFlushes polls until the recorder holds at least n flushes.
func waitFlushes(t *testing.T, r *recorder, n int) []flush {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		got := r.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d flushes before deadline, want %d", len(got), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestColdChannelFlushesOnTimer tests that the first packet on a new channel
// is held for the full timeout
func TestColdChannelFlushesOnTimer(t *testing.T) {
	t.Parallel()

	p := New()
	p.SetTimeout(100 * time.Millisecond)
	var r recorder
	p.OnFlush(r.listen)
	defer p.Close()

	start := time.Now()
	p.Add(pkt("move", 1))

	got := waitFlushes(t, &r, 1)
	if held := got[0].at.Sub(start); held < 90*time.Millisecond {
		t.Errorf("flush after %v, want at least ~100ms hold", held)
	}
	if got[0].pkt.ID != 1 {
		t.Errorf("flushed ID = %d, want 1", got[0].pkt.ID)
	}
}

// TestBurstCoalescesToLastValue tests that a burst collapses into one flush
// carrying the newest packet
func TestBurstCoalescesToLastValue(t *testing.T) {
	t.Parallel()

	p := New()
	p.SetTimeout(100 * time.Millisecond)
	var r recorder
	p.OnFlush(r.listen)
	defer p.Close()

	// All three land inside the trigger window of a cold channel.
	p.Add(pkt("move", 1))
	p.Add(pkt("move", 2))
	p.Add(pkt("move", 3))

	got := waitFlushes(t, &r, 1)

	// One armed timer only: give a second timer time to misfire.
	time.Sleep(150 * time.Millisecond)
	got = r.snapshot()

	if len(got) != 1 {
		t.Fatalf("got %d flushes, want 1", len(got))
	}
	if got[0].pkt.ID != 3 {
		t.Errorf("flushed ID = %d, want 3 (newest)", got[0].pkt.ID)
	}
}

// TestWarmChannelFastPath tests the immediate flush on a quiet channel
func TestWarmChannelFastPath(t *testing.T) {
	t.Parallel()

	p := New()
	p.SetTimeout(100 * time.Millisecond)
	var r recorder
	p.OnFlush(r.listen)
	defer p.Close()

	// Warm the channel: the creation flush fires at +100ms, then the
	// channel sits quiet past the trigger interval.
	p.Add(pkt("move", 1))
	waitFlushes(t, &r, 1)
	time.Sleep(120 * time.Millisecond)

	start := time.Now()
	p.Add(pkt("move", 2))

	got := waitFlushes(t, &r, 2)
	if delay := got[1].at.Sub(start); delay > 50*time.Millisecond {
		t.Errorf("fast path flush took %v, want immediate", delay)
	}
	if got[1].pkt.ID != 2 {
		t.Errorf("flushed ID = %d, want 2", got[1].pkt.ID)
	}
}

// TestCoalescedSendScenario walks the documented burst scenario: a fast
// flush, then a burst held until the timer, emitting exactly two packets
func TestCoalescedSendScenario(t *testing.T) {
	t.Parallel()

	p := New()
	p.SetTimeout(200 * time.Millisecond) // trigger 100ms
	var r recorder
	p.OnFlush(r.listen)
	defer p.Close()

	// Warm up so the first burst packet takes the fast path.
	p.Add(pkt("move", 0))
	waitFlushes(t, &r, 1)
	time.Sleep(250 * time.Millisecond)

	p.Add(pkt("move", 1)) // t=0: fast flush
	time.Sleep(50 * time.Millisecond)
	p.Add(pkt("move", 2)) // t=50: arms timer for t=250
	time.Sleep(40 * time.Millisecond)
	p.Add(pkt("move", 3)) // t=90: replaces held packet

	got := waitFlushes(t, &r, 3)
	time.Sleep(100 * time.Millisecond)
	got = r.snapshot()

	if len(got) != 3 {
		t.Fatalf("got %d flushes, want 3 (warmup + burst pair)", len(got))
	}
	if got[1].pkt.ID != 1 {
		t.Errorf("first burst flush ID = %d, want 1", got[1].pkt.ID)
	}
	if got[2].pkt.ID != 3 {
		t.Errorf("second burst flush ID = %d, want 3", got[2].pkt.ID)
	}
	if gap := got[2].at.Sub(got[1].at); gap < 100*time.Millisecond {
		t.Errorf("flushes %v apart, want at least the trigger interval", gap)
	}
}

// TestChannelsCoalesceIndependently tests per-channel windows
func TestChannelsCoalesceIndependently(t *testing.T) {
	t.Parallel()

	p := New()
	p.SetTimeout(100 * time.Millisecond)
	var r recorder
	p.OnFlush(r.listen)
	defer p.Close()

	p.Add(pkt("red", 1))
	p.Add(pkt("blue", 2))

	got := waitFlushes(t, &r, 2)

	channels := map[string]int32{}
	for _, f := range got {
		channels[f.pkt.Channel] = f.pkt.ID
	}
	if channels["red"] != 1 || channels["blue"] != 2 {
		t.Errorf("flushed packets = %v, want red:1 and blue:2", channels)
	}
}

// TestSetTimeoutShortensHold tests retuning the window at runtime
func TestSetTimeoutShortensHold(t *testing.T) {
	t.Parallel()

	p := New()
	p.SetTimeout(60 * time.Millisecond)
	var r recorder
	p.OnFlush(r.listen)
	defer p.Close()

	if p.Timeout() != 60*time.Millisecond {
		t.Fatalf("Timeout() = %v, want 60ms", p.Timeout())
	}

	start := time.Now()
	p.Add(pkt("move", 1))

	got := waitFlushes(t, &r, 1)
	if held := got[0].at.Sub(start); held > 150*time.Millisecond {
		t.Errorf("flush after %v with 60ms timeout, want well under 150ms", held)
	}
}

// TestCloseDisarmsPendingFlush tests that Close suppresses scheduled and
// future flushes
func TestCloseDisarmsPendingFlush(t *testing.T) {
	t.Parallel()

	p := New()
	p.SetTimeout(50 * time.Millisecond)
	var r recorder
	p.OnFlush(r.listen)

	p.Add(pkt("move", 1)) // arms a timer
	p.Close()
	p.Add(pkt("move", 2)) // dropped

	time.Sleep(120 * time.Millisecond)
	if got := r.snapshot(); len(got) != 0 {
		t.Errorf("got %d flushes after Close, want 0", len(got))
	}
}

// TestConcurrentAdds tests that racing producers never lose the channel's
// newest value and never double-arm the timer
func TestConcurrentAdds(t *testing.T) {
	t.Parallel()

	p := New()
	p.SetTimeout(80 * time.Millisecond)
	var r recorder
	p.OnFlush(r.listen)
	defer p.Close()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int32(1); i <= 25; i++ {
				p.Add(pkt("move", i))
			}
		}()
	}
	wg.Wait()

	// The burst resolves to a bounded number of flushes, far fewer than
	// the 100 adds.
	time.Sleep(200 * time.Millisecond)
	got := r.snapshot()
	if len(got) == 0 {
		t.Fatal("got 0 flushes, want at least 1")
	}
	if len(got) > 5 {
		t.Errorf("got %d flushes for 100 adds, want coalescing to a handful", len(got))
	}
}
