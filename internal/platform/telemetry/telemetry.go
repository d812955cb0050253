// Package telemetry exposes Prometheus metrics for HTTP traffic, bed
// occupancy, reservation expiry and capacity alerts.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dataclinica/bedflow/internal/domain/alerting"
	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "bedflow-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5,
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	cfg Config
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	beds        *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	expired     prometheus.Counter
	sweeps      prometheus.Counter
	alertsOpen  *prometheus.GaugeVec
	alerts      *prometheus.CounterVec
}

func New(cfg Config) *Metrics {
	cfg.applyDefaults()
	constLabels := prometheus.Labels{
		"service": cfg.ServiceName,
		"version": cfg.ServiceVersion,
		"env":     cfg.Environment,
	}
	m := &Metrics{
		cfg: cfg,
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bedflow_http_requests_total",
			Help:        "HTTP requests served, by method, route and status code.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "bedflow_http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: constLabels,
			Buckets:     defaultDurationBuckets,
		}, []string{"method", "route"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "bedflow_http_active_requests",
			Help:        "Requests currently being served.",
			ConstLabels: constLabels,
		}),
		beds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "bedflow_beds",
			Help:        "Beds by department and occupancy status.",
			ConstLabels: constLabels,
		}, []string{"department", "status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bedflow_bed_transitions_total",
			Help:        "Committed bed status transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bedflow_reservations_expired_total",
			Help:        "Reservations expired by the sweeper.",
			ConstLabels: constLabels,
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bedflow_expiry_sweeps_total",
			Help:        "Completed expiry sweeps.",
			ConstLabels: constLabels,
		}),
		alertsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "bedflow_alerts_open",
			Help:        "Open capacity alerts by type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bedflow_alert_events_total",
			Help:        "Alerts opened and resolved.",
			ConstLabels: constLabels,
		}, []string{"type", "event"}),
	}
	m.reg.MustRegister(
		m.requests, m.requestDuration, m.activeRequests,
		m.beds, m.transitions, m.expired, m.sweeps,
		m.alertsOpen, m.alerts,
	)
	if cfg.RuntimeCollectors {
		m.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// SeedBeds sets the occupancy gauges from a full bed listing. Later changes
// arrive through BedChanged.
func (m *Metrics) SeedBeds(beds []*bed.Bed) {
	m.beds.Reset()
	for _, b := range beds {
		m.beds.WithLabelValues(b.DepartmentID, string(b.Status)).Inc()
	}
}

// BedChanged implements bed.Observer.
func (m *Metrics) BedChanged(_ context.Context, ch bed.Change) {
	m.transitions.WithLabelValues(string(ch.From), string(ch.To)).Inc()
	m.beds.WithLabelValues(ch.DepartmentID, string(ch.From)).Dec()
	m.beds.WithLabelValues(ch.DepartmentID, string(ch.To)).Inc()
}

// SweepCompleted is a reservation.SweepHook.
func (m *Metrics) SweepCompleted(_ context.Context, expired []*reservation.Reservation) {
	m.sweeps.Inc()
	m.expired.Add(float64(len(expired)))
}

// AlertChanged is an alerting.AlertHook.
func (m *Metrics) AlertChanged(_ context.Context, a *alerting.Alert) {
	typ := string(a.Type)
	if a.Open() {
		m.alerts.WithLabelValues(typ, "opened").Inc()
		m.alertsOpen.WithLabelValues(typ).Inc()
		return
	}
	m.alerts.WithLabelValues(typ, "resolved").Inc()
	m.alertsOpen.WithLabelValues(typ).Dec()
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Middleware records request counts and latency keyed by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler pick the status before it is recorded.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.requests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			m.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{
		Registry: m.reg,
	}))
}
