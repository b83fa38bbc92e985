package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the position tracker.
type Metrics struct {
	// Event metrics
	EventsReceived *prometheus.CounterVec

	// Fetch metrics
	FetchLatency   *prometheus.HistogramVec
	FetchErrors    *prometheus.CounterVec
	RefreshLatency prometheus.Histogram

	// Reconciliation metrics
	Recomputations prometheus.Counter
	StaleResults   *prometheus.CounterVec
	Positions      *prometheus.GaugeVec
	ViewStatus     *prometheus.GaugeVec

	// System metrics
	PairsTracked    prometheus.Gauge
	WebSocketStatus prometheus.Gauge
	LastBlockSeen   prometheus.Gauge
	StreamClients   prometheus.Gauge

	server *http.Server
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lpwatch_events_received_total",
				Help: "Total number of chain events received by type",
			},
			[]string{"type"},
		),
		FetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lpwatch_fetch_latency_seconds",
				Help:    "Latency of one fetch group",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"group"},
		),
		FetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lpwatch_fetch_errors_total",
				Help: "Total number of failed fetches by group",
			},
			[]string{"group"},
		),
		RefreshLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lpwatch_refresh_latency_seconds",
				Help:    "Time for a full refresh of every fetch group",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
		),
		Recomputations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lpwatch_recomputations_total",
				Help: "Total number of view recomputations",
			},
		),
		StaleResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lpwatch_stale_results_total",
				Help: "Fetch results discarded because the account or pair set changed",
			},
			[]string{"group"},
		),
		Positions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lpwatch_positions",
				Help: "Positions in the current view by kind",
			},
			[]string{"kind"},
		),
		ViewStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lpwatch_view_status",
				Help: "Current view status (1 for the active status)",
			},
			[]string{"status"},
		),
		PairsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lpwatch_pairs_tracked",
				Help: "Number of pairs currently tracked for the account",
			},
		),
		WebSocketStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lpwatch_websocket_connected",
				Help: "WebSocket connection status (1=connected, 0=disconnected)",
			},
		),
		LastBlockSeen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lpwatch_last_block_seen",
				Help: "Last block number seen from the node",
			},
		),
		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lpwatch_stream_clients",
				Help: "Number of connected view stream clients",
			},
		),
	}

	reg.MustRegister(
		m.EventsReceived,
		m.FetchLatency,
		m.FetchErrors,
		m.RefreshLatency,
		m.Recomputations,
		m.StaleResults,
		m.Positions,
		m.ViewStatus,
		m.PairsTracked,
		m.WebSocketStatus,
		m.LastBlockSeen,
		m.StreamClients,
	)

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordEventReceived increments the event counter for the given type.
func (m *Metrics) RecordEventReceived(eventType string) {
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

// RecordFetch records the latency of a fetch group and counts failures.
func (m *Metrics) RecordFetch(group string, d time.Duration, err error) {
	m.FetchLatency.WithLabelValues(group).Observe(d.Seconds())
	if err != nil {
		m.FetchErrors.WithLabelValues(group).Inc()
	}
}

// RecordRefreshLatency records the duration of a full refresh.
func (m *Metrics) RecordRefreshLatency(d time.Duration) {
	m.RefreshLatency.Observe(d.Seconds())
}

// RecordRecompute increments the recomputation counter.
func (m *Metrics) RecordRecompute() {
	m.Recomputations.Inc()
}

// RecordStaleResult counts a discarded fetch result.
func (m *Metrics) RecordStaleResult(group string) {
	m.StaleResults.WithLabelValues(group).Inc()
}

// SetView records the status and position counts of the current view.
func (m *Metrics) SetView(status string, plain, staked int) {
	for _, s := range []string{"not_connected", "loading", "empty", "positions"} {
		if s == status {
			m.ViewStatus.WithLabelValues(s).Set(1)
		} else {
			m.ViewStatus.WithLabelValues(s).Set(0)
		}
	}
	m.Positions.WithLabelValues("plain").Set(float64(plain))
	m.Positions.WithLabelValues("staked").Set(float64(staked))
}

// SetPairsTracked sets the current number of tracked pairs.
func (m *Metrics) SetPairsTracked(count int) {
	m.PairsTracked.Set(float64(count))
}

// SetWebSocketConnected sets the WebSocket connection status.
func (m *Metrics) SetWebSocketConnected(connected bool) {
	if connected {
		m.WebSocketStatus.Set(1)
	} else {
		m.WebSocketStatus.Set(0)
	}
}

// SetLastBlockSeen sets the last block number seen.
func (m *Metrics) SetLastBlockSeen(block uint64) {
	m.LastBlockSeen.Set(float64(block))
}

// SetStreamClients sets the number of connected stream clients.
func (m *Metrics) SetStreamClients(n int) {
	m.StreamClients.Set(float64(n))
}
