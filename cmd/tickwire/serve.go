package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halvarsen/tickwire"
)

func serveCmd() *cobra.Command {
	var (
		port        int
		httpAddr    string
		tickRate    float64
		connTimeout time.Duration
		noRateLimit bool
		wallX       float64
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authoritative server",
		Long: `Run the authoritative server with the demo game rules installed.

The UDP socket carries the realtime channels. An HTTP listener serves
the WebSocket gateway on /ws, Prometheus metrics on /metrics, a health
probe on /healthz, and POST /pause toggles the demo game's pause state.

Examples:
  tickwire serve
  tickwire serve --port=3000 --http=:8080
  tickwire serve --tick-rate=10 --no-rate-limit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, httpAddr, tickRate, connTimeout, noRateLimit, wallX, logLevel)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", tickwire.DefaultPort, "UDP port to bind")
	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP listen address for gateway and metrics")
	cmd.Flags().Float64Var(&tickRate, "tick-rate", tickwire.DefaultTickRate, "Ideal tick rate in Hz")
	cmd.Flags().DurationVar(&connTimeout, "connection-timeout", tickwire.DefaultConnectionTimeout, "Drop connections silent for this long")
	cmd.Flags().BoolVar(&noRateLimit, "no-rate-limit", false, "Disable per-endpoint rate limiting")
	cmd.Flags().Float64Var(&wallX, "wall", 300, "X coordinate of the demo game wall")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func runServe(port int, httpAddr string, tickRate float64, connTimeout time.Duration, noRateLimit bool, wallX float64, logLevel string) error {
	log := newLogger(logLevel)
	defer log.Sync()

	cfg := &tickwire.ServerConfig{
		Port:              port,
		TickRate:          tickRate,
		ConnectionTimeout: connTimeout,
		Logger:            log,
	}
	if noRateLimit {
		cfg.RateLimit = tickwire.NoRateLimit()
	}

	srv, err := tickwire.NewServer(cfg)
	if err != nil {
		return err
	}

	gate := newMoveGate(wallX)
	gate.bind(srv)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop(context.Background())

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/ws", srv.GatewayHandler(tickwire.AllOrigins()))
	r.Handle("/metrics", tickwire.MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	r.Post("/pause", func(w http.ResponseWriter, r *http.Request) {
		paused := gate.togglePause()
		log.Info("pause toggled", zap.Bool("paused", paused))
		fmt.Fprintf(w, "paused=%t\n", paused)
	})

	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	log.Info("http listener started", zap.String("addr", httpAddr))

	select {
	case err := <-httpErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}
