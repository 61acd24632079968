// Package metrics exposes fleet-accounting counters and gauges over a
// Prometheus-compatible /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the fleet exposes.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsEvicted  prometheus.Counter
	FramesByReportType  *prometheus.CounterVec
	FramesMalformed     prometheus.Counter
	CommandsDispatched  *prometheus.CounterVec
	CommandsAcked       *prometheus.CounterVec
	server              *http.Server
}

// New registers all metrics with the default Prometheus registry, which is
// also what /metrics serves. Calling it twice in one process panics on
// duplicate registration.
func New() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "gv50ingest",
			Name:      "connections_active",
			Help:      "Number of live device connections currently registered.",
		}),
		ConnectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gv50ingest",
			Name:      "connections_accepted_total",
			Help:      "Total TCP connections accepted.",
		}),
		ConnectionsEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gv50ingest",
			Name:      "connections_evicted_total",
			Help:      "Total connections closed by the stale-connection sweeper.",
		}),
		FramesByReportType: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gv50ingest",
			Name:      "frames_total",
			Help:      "Total parsed frames by report type.",
		}, []string{"report_type"}),
		FramesMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "gv50ingest",
			Name:      "frames_malformed_total",
			Help:      "Total frames that failed to parse.",
		}),
		CommandsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gv50ingest",
			Name:      "commands_dispatched_total",
			Help:      "Total outbound AT commands dispatched, by kind.",
		}, []string{"kind"}),
		CommandsAcked: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gv50ingest",
			Name:      "commands_acked_total",
			Help:      "Total outbound commands confirmed by ACK, by kind.",
		}, []string{"kind"}),
	}
}

// Serve starts the /metrics HTTP endpoint in the background.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	m.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		_ = m.server.ListenAndServe()
	}()
}

// Shutdown stops the metrics HTTP endpoint.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.server.Shutdown(shutdownCtx)
}
