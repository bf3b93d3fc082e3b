// Package metrics exposes prometheus counters/gauges for the balance loop.
// This is instrumentation, not alerting: the spec explicitly scopes any
// alerting channel out of the core (§7), but still expects an ambient
// observability surface.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements orchestrator.MetricsRecorder on top of a dedicated
// prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	cyclesTotal       prometheus.Counter
	migrationsTotal   *prometheus.CounterVec
	nodesOverloaded   *prometheus.GaugeVec
	cycleDurationSecs prometheus.Histogram
}

// New builds a Recorder with its own registry so metrics are independent
// of the default global one.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmbalancer_cycles_total",
			Help: "Number of balance cycles completed.",
		}),
		migrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmbalancer_migrations_total",
			Help: "Number of migration attempts by outcome.",
		}, []string{"outcome"}),
		nodesOverloaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vmbalancer_nodes_overloaded",
			Help: "Number of nodes classified as overloaded sources in the most recent cycle, per cluster.",
		}, []string{"cluster_id"}),
		cycleDurationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmbalancer_cycle_duration_seconds",
			Help:    "Wall-clock duration of a balance cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(r.cyclesTotal, r.migrationsTotal, r.nodesOverloaded, r.cycleDurationSecs)
	return r
}

func (r *Recorder) CycleCompleted(duration time.Duration) {
	r.cyclesTotal.Inc()
	r.cycleDurationSecs.Observe(duration.Seconds())
}

func (r *Recorder) MigrationOutcome(outcome string) {
	r.migrationsTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) NodesOverloaded(clusterID string, count int) {
	r.nodesOverloaded.WithLabelValues(clusterID).Set(float64(count))
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until
// ctx is cancelled, at which point it shuts down gracefully.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
