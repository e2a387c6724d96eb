package tickwire_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halvarsen/tickwire"
)

// TestStressManyClients connects a swarm of datagram clients that all
// chat on one channel and checks that connects and broadcasts hold up.
func TestStressManyClients(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	srv := startServer(t, &tickwire.ServerConfig{
		RateLimit: &tickwire.RateLimitConfig{
			MessagesPerSecond: 1000,
			Burst:             2000,
			Enabled:           true,
		},
	})
	srv.HandleJSON("chat", func(msg json.RawMessage, resp *tickwire.Response[json.RawMessage]) {
		resp.Accept(msg)
	})

	const numClients = 50
	const messagesPerClient = 10

	var (
		connected        int64
		failed           int64
		messagesSent     int64
		messagesReceived int64
		wg               sync.WaitGroup
	)

	start := time.Now()

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()

			c := tickwire.NewClient(&tickwire.ClientConfig{ServerPort: srv.Port()})
			c.RegisterJSON("chat", func(json.RawMessage) {
				atomic.AddInt64(&messagesReceived, 1)
			})
			if err := c.Start(context.Background()); err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			defer c.Stop(context.Background())

			deadline := time.Now().Add(5 * time.Second)
			for {
				if _, ok := c.ConnectionID(); ok {
					break
				}
				if time.Now().After(deadline) {
					atomic.AddInt64(&failed, 1)
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
			atomic.AddInt64(&connected, 1)

			for j := 0; j < messagesPerClient; j++ {
				payload := fmt.Sprintf(`{"from":%d,"seq":%d}`, clientID, j)
				if err := c.SendJSON("chat", json.RawMessage(payload)); err != nil {
					return
				}
				atomic.AddInt64(&messagesSent, 1)
				time.Sleep(10 * time.Millisecond)
			}

			// Stay online so late pool flushes and broadcasts still land.
			time.Sleep(2 * time.Second)
		}(i)

		// Stagger connection attempts.
		if i%10 == 0 && i > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}

	wg.Wait()
	duration := time.Since(start)

	sent := atomic.LoadInt64(&messagesSent)
	received := atomic.LoadInt64(&messagesReceived)

	log.Printf("\n=== Stress Test Results ===")
	log.Printf("Duration: %v", duration)
	log.Printf("Connected Clients: %d/%d", atomic.LoadInt64(&connected), numClients)
	log.Printf("Failed Connections: %d", atomic.LoadInt64(&failed))
	log.Printf("Messages Sent: %d", sent)
	log.Printf("Broadcasts Received: %d", received)
	log.Printf("Messages/sec: %.2f", float64(sent)/duration.Seconds())

	if got := atomic.LoadInt64(&connected); got < int64(numClients*95/100) {
		t.Errorf("connected clients = %d/%d, want at least 95%%", got, numClients)
	}
	// Coalescing shrinks the wire traffic, but every surviving frame fans
	// out to the whole swarm, so receipts must dwarf the send count.
	if received < sent/2 {
		t.Errorf("broadcasts received = %d for %d sends, want at least half", received, sent)
	}
}

// TestStressSequencedBursts hammers one predicted channel with rapid
// sequenced sends and checks that both the sender and a watcher settle on
// the final authoritative value.
func TestStressSequencedBursts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	srv := startServer(t, &tickwire.ServerConfig{
		RateLimit: &tickwire.RateLimitConfig{
			MessagesPerSecond: 1000,
			Burst:             2000,
			Enabled:           true,
		},
	})
	tickwire.Handle(srv, "pos", tickwire.JSONCodec[tickwire.Vec2]{},
		func(v tickwire.Vec2, resp *tickwire.Response[tickwire.Vec2]) {
			resp.Accept(v)
		})

	var sender, watcher *tickwire.InterpolatedEvent[tickwire.Vec2]
	startClient(t, srv, func(c *tickwire.Client) {
		sender = tickwire.RegisterInterpolated(c, "pos",
			tickwire.JSONCodec[tickwire.Vec2]{}, tickwire.PredictAcceptOptimistic, tickwire.Vec2{})
	})
	startClient(t, srv, func(c *tickwire.Client) {
		watcher = tickwire.RegisterInterpolated(c, "pos",
			tickwire.JSONCodec[tickwire.Vec2]{}, tickwire.InterpolateOnly, tickwire.Vec2{})
	})

	const sends = 200
	var final tickwire.Vec2
	for i := 1; i <= sends; i++ {
		final = tickwire.Vec2{X: float64(i), Y: float64(-i)}
		if err := sender.Send(final); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if i%20 == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitFor(t, 10*time.Second, "watcher to catch up", func() bool {
		return watcher.Latest() == final
	})
	waitFor(t, 10*time.Second, "sender confirmation", func() bool {
		return sender.Latest() == final
	})
	if got := sender.Current(); got != final {
		t.Errorf("sender Current() = %v, want %v", got, final)
	}
}
