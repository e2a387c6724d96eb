// Package observe exposes the framework's prometheus metrics. Metrics
// register on the default registry at init time; Handler returns the
// scrape endpoint for callers that mount an HTTP server.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwire_packets_received_total",
			Help: "Total packets received by kind",
		},
		[]string{"kind"}, // internal|app
	)

	packetsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwire_packets_dropped_total",
			Help: "Total packets dropped by reason",
		},
		[]string{"reason"}, // bad_format|unknown_channel|rate_limited|ws_backpressure
	)

	connectionsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tickwire_connections_online",
		Help: "Number of live connections on the server",
	})

	tickRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tickwire_tick_rate",
		Help: "Measured server tick rate in Hz",
	})

	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickwire_broadcasts_total",
		Help: "Total broadcasts sent to all connections",
	})

	poolFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickwire_pool_flushes_total",
			Help: "Total send pool flushes by path",
		},
		[]string{"path"}, // fast|timer
	)

	pingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickwire_pings_total",
		Help: "Total pings handled by the server",
	})
)

func init() {
	prometheus.MustRegister(
		packetsReceivedTotal,
		packetsDroppedTotal,
		connectionsOnline,
		tickRate,
		broadcastsTotal,
		poolFlushesTotal,
		pingsTotal,
	)
}

func IncReceived(kind string)  { packetsReceivedTotal.WithLabelValues(kind).Inc() }
func IncDropped(reason string) { packetsDroppedTotal.WithLabelValues(reason).Inc() }
func SetOnline(n float64)      { connectionsOnline.Set(n) }
func SetTickRate(rate float64) { tickRate.Set(rate) }
func IncBroadcast()            { broadcastsTotal.Inc() }
func IncPoolFlush(path string) { poolFlushesTotal.WithLabelValues(path).Inc() }
func IncPing()                 { pingsTotal.Inc() }
