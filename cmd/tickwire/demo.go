package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/halvarsen/tickwire"
)

func demoCmd() *cobra.Command {
	var (
		duration    time.Duration
		blueDelay   time.Duration
		redDelay    time.Duration
		serverDelay time.Duration
		wallX       float64
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process two-player demo",
		Long: `Run a server and two clients in one process for the demo duration.

The blue player walks right into the wall, showing prediction and the
authoritative rollback when the server clamps the move. The red player
orbits; each client watches the other's channel through the spring
interpolator. Positions, pings, and the server tick rate are printed
twice a second.

The artificial delays make the difference between prediction and
interpolation visible: the blue client sees the server 20ms away, the
red client 250ms away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(duration, blueDelay, redDelay, serverDelay, wallX, logLevel)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "How long to run the demo")
	cmd.Flags().DurationVar(&blueDelay, "blue-delay", 20*time.Millisecond, "Artificial receive delay of the blue client")
	cmd.Flags().DurationVar(&redDelay, "red-delay", 250*time.Millisecond, "Artificial receive delay of the red client")
	cmd.Flags().DurationVar(&serverDelay, "server-delay", 20*time.Millisecond, "Artificial receive delay of the server")
	cmd.Flags().Float64Var(&wallX, "wall", 300, "X coordinate of the wall")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}

// demoPlayer pairs the channel a client drives with the one it watches.
type demoPlayer struct {
	client *tickwire.Client
	own    *tickwire.InterpolatedEvent[tickwire.Vec2]
	other  *tickwire.InterpolatedEvent[tickwire.Vec2]
}

func newDemoPlayer(client *tickwire.Client, ownChannel, otherChannel string) *demoPlayer {
	return &demoPlayer{
		client: client,
		own:    tickwire.RegisterInterpolated(client, ownChannel, tickwire.JSONCodec[tickwire.Vec2]{}, tickwire.PredictAcceptOptimistic, tickwire.Vec2{}),
		other:  tickwire.RegisterInterpolated(client, otherChannel, tickwire.JSONCodec[tickwire.Vec2]{}, tickwire.InterpolateOnly, tickwire.Vec2{}),
	}
}

func runDemo(duration, blueDelay, redDelay, serverDelay time.Duration, wallX float64, logLevel string) error {
	log := newLogger(logLevel)
	defer log.Sync()

	srv, err := tickwire.NewServer(&tickwire.ServerConfig{
		Port:            -1,
		ArtificialDelay: serverDelay,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	newMoveGate(wallX).bind(srv)

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop(context.Background())

	newDemoClient := func(delay time.Duration) *tickwire.Client {
		return tickwire.NewClient(&tickwire.ClientConfig{
			ServerPort:      srv.Port(),
			ArtificialDelay: delay,
			Logger:          log,
		})
	}
	blueClient := newDemoClient(blueDelay)
	redClient := newDemoClient(redDelay)

	blue := newDemoPlayer(blueClient, channelBlueMove, channelRedMove)
	red := newDemoPlayer(redClient, channelRedMove, channelBlueMove)

	if err := blueClient.Start(ctx); err != nil {
		return err
	}
	defer blueClient.Stop(context.Background())
	if err := redClient.Start(ctx); err != nil {
		return err
	}
	defer redClient.Stop(context.Background())

	fmt.Printf("demo: blue walks into the wall at x=%.0f, red orbits; running for %s\n", wallX, duration)

	deadline := time.After(duration)
	move := time.NewTicker(16 * time.Millisecond)
	defer move.Stop()
	report := time.NewTicker(500 * time.Millisecond)
	defer report.Stop()

	start := time.Now()
	for {
		select {
		case <-deadline:
			fmt.Println("demo: done")
			return nil

		case <-move.C:
			// Blue pushes right forever; past the wall every move comes
			// back rejected with the clamped position.
			pos := blue.own.Current()
			pos.X += 5
			blue.own.Send(pos)

			// Red orbits a point so the spring on the watching side has
			// a continuously moving target.
			t := time.Since(start).Seconds()
			red.own.Send(tickwire.Vec2{
				X: 150 + 100*math.Cos(t),
				Y: 150 + 100*math.Sin(t),
			})

		case <-report.C:
			bluePos := blue.own.Current()
			blueSeesRed := blue.other.Current()
			redPos := red.own.Current()
			redSeesBlue := red.other.Current()

			fmt.Printf("blue %6.1f,%-6.1f sees red %6.1f,%-6.1f | red %6.1f,%-6.1f sees blue %6.1f,%-6.1f | ping %s/%s | tick %.1fHz\n",
				bluePos.X, bluePos.Y, blueSeesRed.X, blueSeesRed.Y,
				redPos.X, redPos.Y, redSeesBlue.X, redSeesBlue.Y,
				blueClient.Ping().Round(time.Millisecond),
				redClient.Ping().Round(time.Millisecond),
				blueClient.TickRate())
		}
	}
}
