// Package metrics exports stressor progress to Prometheus.
//
// All methods are safe on a nil *Metrics, which is how metrics are
// turned off.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bradfitz/extentstress/internal/frag"
)

const namespace = "extentstress"

// Metrics holds the collectors of one process.
type Metrics struct {
	reg *prometheus.Registry

	slotOps      *prometheus.GaugeVec
	driver       *prometheus.GaugeVec
	punchEnabled *prometheus.GaugeVec
	workersAlive *prometheus.GaugeVec
	stalls       *prometheus.CounterVec
	failures     *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		slotOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_ops",
			Help:      "Completed operations per shared counter slot (approximate).",
		}, []string{"instance", "slot"}),
		driver: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driver",
			Help:      "Fragmentation driver statistics.",
		}, []string{"instance", "stat"}),
		punchEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "punch_enabled",
			Help:      "1 while hole punching is still attempted.",
		}, []string{"instance"}),
		workersAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_alive",
			Help:      "Query workers that have not exited.",
		}, []string{"instance"}),
		stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Times progress stood still past the stall timeout.",
		}, []string{"instance"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Query workers that exited with a failure.",
		}, []string{"instance"}),
	}
	m.reg.MustRegister(m.slotOps, m.driver, m.punchEnabled, m.workersAlive, m.stalls, m.failures)
	return m
}

func label(i int) string { return strconv.Itoa(i) }

// ObserveSlot records the value of one counter slot.
func (m *Metrics) ObserveSlot(instance, slot int, v uint64) {
	if m == nil {
		return
	}
	m.slotOps.WithLabelValues(label(instance), label(slot)).Set(float64(v))
}

// ObserveDriver records a driver stats snapshot.
func (m *Metrics) ObserveDriver(instance int, st frag.Stats) {
	if m == nil {
		return
	}
	in := label(instance)
	m.driver.WithLabelValues(in, "iterations").Set(float64(st.Iterations))
	m.driver.WithLabelValues(in, "writes").Set(float64(st.Writes))
	m.driver.WithLabelValues(in, "write_retries").Set(float64(st.WriteRetries))
	m.driver.WithLabelValues(in, "punches").Set(float64(st.Punches))
	m.driver.WithLabelValues(in, "punch_errors").Set(float64(st.PunchErrors))
	enabled := 1.0
	if st.PunchDisabled {
		enabled = 0
	}
	m.punchEnabled.WithLabelValues(in).Set(enabled)
}

// SetWorkersAlive records how many workers are still running.
func (m *Metrics) SetWorkersAlive(instance, n int) {
	if m == nil {
		return
	}
	m.workersAlive.WithLabelValues(label(instance)).Set(float64(n))
}

// IncStalls counts one stall.
func (m *Metrics) IncStalls(instance int) {
	if m == nil {
		return
	}
	m.stalls.WithLabelValues(label(instance)).Inc()
}

// IncFailures counts one failed worker.
func (m *Metrics) IncFailures(instance int) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(instance)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	log.Info("metrics listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
