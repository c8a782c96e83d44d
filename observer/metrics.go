package observer

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	conduct "github.com/armadha/conduct"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the pull-style counter set behind the monitor's /metrics
// endpoint. Safe for concurrent use; the engine's status callback and the
// scraping handler run on different goroutines.
type Metrics struct {
	registry *prometheus.Registry

	StepsStarted      prometheus.Counter
	StepsSucceeded    prometheus.Counter
	StepsFailed       prometheus.Counter
	NotificationsSent prometheus.Counter
	RunningSteps      prometheus.Gauge
}

// NewMetrics creates a Metrics set on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StepsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduct_steps_started_total",
			Help: "Total steps started",
		}),
		StepsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduct_steps_succeeded_total",
			Help: "Total steps succeeded",
		}),
		StepsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduct_steps_failed_total",
			Help: "Total steps failed",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduct_notifications_sent_total",
			Help: "Total notifications emitted",
		}),
		RunningSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduct_running_steps",
			Help: "Current running steps",
		}),
	}
	m.registry.MustRegister(
		m.StepsStarted, m.StepsSucceeded, m.StepsFailed,
		m.NotificationsSent, m.RunningSteps,
	)
	return m
}

// StatusFunc adapts the counter set into an engine status callback.
func (m *Metrics) StatusFunc() conduct.StatusFunc {
	return func(step string, status conduct.StepStatus) {
		switch status {
		case conduct.StatusRunning:
			m.StepsStarted.Inc()
			m.RunningSteps.Inc()
		case conduct.StatusSucceeded:
			m.StepsSucceeded.Inc()
			m.RunningSteps.Dec()
		case conduct.StatusFailed:
			m.StepsFailed.Inc()
			m.RunningSteps.Dec()
		}
	}
}

// NotifyFunc adapts the notification counter into the engine's notify hook.
func (m *Metrics) NotifyFunc() func(handler, step string) {
	return func(handler, step string) {
		m.NotificationsSent.Inc()
	}
}

// Handler returns the scrape handler for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the monitor HTTP server on the given port in a background
// goroutine, exposing /metrics. The returned server can be Shutdown by the
// caller; listen errors after startup are logged.
func (m *Metrics) Serve(port int, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}
