package telemetry

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of configuration loading,
// watching and validation. Each Metrics has its own registry.
//
// All recording methods are no-ops on a nil or disabled Metrics.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	loadsTotal         *prometheus.CounterVec
	loadDuration       *prometheus.HistogramVec
	includes           prometheus.Counter
	reloadsTotal       *prometheus.CounterVec
	watchedFiles       prometheus.Gauge
	validationFailures *prometheus.CounterVec
	errorsByClass      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	ns := cfg.Namespace

	return &Metrics{
		config:   cfg,
		registry: reg,
		loadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "config_loads_total",
			Help: "Total number of configuration loads",
		}, []string{"status"}),
		loadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "config_load_duration_seconds",
			Help:    "Duration of configuration loads in seconds",
			Buckets: buckets,
		}, []string{"status"}),
		includes: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "config_includes_total",
			Help: "Total number of included files resolved",
		}),
		reloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "config_reloads_total",
			Help: "Total number of reloads triggered by file changes",
		}, []string{"status"}),
		watchedFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "config_watched_files",
			Help: "Current number of watched configuration files",
		}),
		validationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "config_validation_failures_total",
			Help: "Total number of validation failures by validator",
		}, []string{"validator"}),
		errorsByClass: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_by_class_total",
			Help: "Total number of errors by error class",
		}, []string{"class"}),
	}, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordLoad records a completed load with its status and duration.
func (m *Metrics) RecordLoad(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.loadsTotal.WithLabelValues(status).Inc()
	m.loadDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordInclude counts one resolved include.
func (m *Metrics) RecordInclude() {
	if m.enabled() {
		m.includes.Inc()
	}
}

// RecordReload records a reload triggered by a file change.
func (m *Metrics) RecordReload(status string) {
	if m.enabled() {
		m.reloadsTotal.WithLabelValues(status).Inc()
	}
}

// SetWatchedFiles sets the number of files being watched.
func (m *Metrics) SetWatchedFiles(count int) {
	if m.enabled() {
		m.watchedFiles.Set(float64(count))
	}
}

// RecordValidationFailure counts a failed validation by validator name.
func (m *Metrics) RecordValidationFailure(validator string) {
	if m.enabled() {
		m.validationFailures.WithLabelValues(validator).Inc()
	}
}

// RecordError counts an error by class. Empty classes are ignored.
func (m *Metrics) RecordError(errorClass string) {
	if m.enabled() && errorClass != "" {
		m.errorsByClass.WithLabelValues(errorClass).Inc()
	}
}

// Registry returns the registry of the metrics, or nil if they are
// disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures the time since it was created.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since NewTimer.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler serves the metrics in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves the metrics on the configured address until the
// returned server is shut down. The server's Addr is the bound address. It
// returns a nil server when metrics are disabled and an error when the
// address cannot be bound.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.enabled() {
		return nil, nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ln.Close()
		}
	}()
	return server, nil
}
