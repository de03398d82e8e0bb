// Package metrics exposes prometheus instrumentation for the update engine.
package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	namespace = "ledgerdesk"
	subsystem = "updater"

	shutdownTimeout = 15 * time.Second
)

// ServeMetrics serves /metrics on the listener until shutdownC is closed.
func ServeMetrics(l net.Listener, shutdownC <-chan struct{}, log *zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      mux,
	}

	var wg sync.WaitGroup
	var serveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr = server.Serve(l)
	}()
	log.Info().Str("addr", l.Addr().String()).Msg("metrics server listening")

	<-shutdownC
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = server.Shutdown(ctx)
	cancel()

	wg.Wait()
	if serveErr == http.ErrServerClosed {
		log.Info().Msg("metrics server stopped")
		return nil
	}
	return serveErr
}

// UpdaterMetrics counts what the orchestrator did and records which state it
// is in. A nil *UpdaterMetrics is a valid no-op receiver so the engine can
// run without a registry in tests.
type UpdaterMetrics struct {
	checks    *prometheus.CounterVec
	downloads *prometheus.CounterVec
	installs  *prometheus.CounterVec
	rollbacks *prometheus.CounterVec
	state     prometheus.Gauge
}

// NewUpdaterMetrics builds and registers the engine's instruments on the
// given registerer (prometheus.DefaultRegisterer in production).
func NewUpdaterMetrics(registerer prometheus.Registerer) *UpdaterMetrics {
	m := &UpdaterMetrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checks_total",
			Help:      "Release feed checks by outcome",
		}, []string{"outcome"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "downloads_total",
			Help:      "Update downloads by outcome",
		}, []string{"outcome"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "installs_total",
			Help:      "Install passes by outcome",
		}, []string{"outcome"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rollbacks_total",
			Help:      "Rollback attempts by outcome",
		}, []string{"outcome"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state",
			Help:      "Current orchestrator state as its enum value",
		}),
	}
	registerer.MustRegister(m.checks, m.downloads, m.installs, m.rollbacks, m.state)
	return m
}

func (m *UpdaterMetrics) ObserveCheck(outcome string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(outcome).Inc()
}

func (m *UpdaterMetrics) ObserveDownload(outcome string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(outcome).Inc()
}

func (m *UpdaterMetrics) ObserveInstall(outcome string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(outcome).Inc()
}

func (m *UpdaterMetrics) ObserveRollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

func (m *UpdaterMetrics) SetState(state int) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}
