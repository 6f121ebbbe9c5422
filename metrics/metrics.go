// Package metrics exposes Prometheus collectors for the entitlement engine.
package metrics

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace      string   `yaml:"namespace" env:"NAMESPACE"`
	Path           string   `yaml:"path" env:"PATH"`
	EnabledMetrics []string `yaml:"enabled_metrics" env:"ENABLED" envSeparator:","`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:      "entitlements",
		Path:           "/metrics",
		EnabledMetrics: []string{"billing", "cascade", "admission", "purchase", "notify", "http"},
	}
}

// Collector wraps the engine's Prometheus metrics in a private registry.
// All Record methods are safe to call on a nil Collector.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	BillingEvents       *prometheus.CounterVec
	CascadeActions      *prometheus.CounterVec
	AdmissionDecisions  *prometheus.CounterVec
	CapacityInUse       *prometheus.GaugeVec
	CapacityOvershoot   *prometheus.CounterVec
	Purchases           *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with the default configuration.
func New() *Collector {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Collector with its own registry.
func NewWithConfig(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	enabled := cfg.EnabledMetrics
	ns := cfg.Namespace

	c := &Collector{config: cfg, registry: reg}

	if slices.Contains(enabled, "billing") {
		c.BillingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "billing_events_total",
			Help:      "Processor events received, by channel and outcome",
		}, []string{"channel", "outcome"})
		reg.MustRegister(c.BillingEvents)
	}

	if slices.Contains(enabled, "cascade") {
		c.CascadeActions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cascade_actions_total",
			Help:      "Entitlement cascade actions, by action and status",
		}, []string{"action", "status"})
		reg.MustRegister(c.CascadeActions)
	}

	if slices.Contains(enabled, "admission") {
		c.AdmissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "admission_decisions_total",
			Help:      "Capacity admission decisions, by scope and decision",
		}, []string{"scope", "decision"})
		c.CapacityInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "capacity_in_use",
			Help:      "Capacity slots in use, by scope and kind",
		}, []string{"scope", "kind"})
		c.CapacityOvershoot = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "capacity_overshoot_total",
			Help:      "Late payments committed past the ceiling, by scope",
		}, []string{"scope"})
		reg.MustRegister(c.AdmissionDecisions, c.CapacityInUse, c.CapacityOvershoot)
	}

	if slices.Contains(enabled, "purchase") {
		c.Purchases = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "purchases_total",
			Help:      "Purchase attempts, by scope and result",
		}, []string{"scope", "result"})
		reg.MustRegister(c.Purchases)
	}

	if slices.Contains(enabled, "notify") {
		c.Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notifications_total",
			Help:      "Tenant notifications, by status",
		}, []string{"status"})
		reg.MustRegister(c.Notifications)
	}

	if slices.Contains(enabled, "http") {
		c.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"})
		c.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"})
		reg.MustRegister(c.HTTPRequestsTotal, c.HTTPRequestDuration)
	}

	return c
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordBillingEvent counts a processor event by channel (lifecycle or
// payment) and outcome.
func (c *Collector) RecordBillingEvent(channel, outcome string) {
	if c != nil && c.BillingEvents != nil {
		c.BillingEvents.WithLabelValues(channel, outcome).Inc()
	}
}

// RecordCascadeAction counts one cascaded resource update.
func (c *Collector) RecordCascadeAction(action string, ok bool) {
	if c != nil && c.CascadeActions != nil {
		c.CascadeActions.WithLabelValues(action, statusLabel(ok)).Inc()
	}
}

// RecordAdmission counts an admission decision.
func (c *Collector) RecordAdmission(scope string, admitted bool) {
	if c != nil && c.AdmissionDecisions != nil {
		decision := "rejected"
		if admitted {
			decision = "admitted"
		}
		c.AdmissionDecisions.WithLabelValues(scope, decision).Inc()
	}
}

// SetCapacity publishes a scope's committed and reserved slot counts.
func (c *Collector) SetCapacity(scope string, committed, reserved int) {
	if c != nil && c.CapacityInUse != nil {
		c.CapacityInUse.WithLabelValues(scope, "committed").Set(float64(committed))
		c.CapacityInUse.WithLabelValues(scope, "reserved").Set(float64(reserved))
	}
}

// RecordOvershoot counts a late payment committed past the ceiling.
func (c *Collector) RecordOvershoot(scope string) {
	if c != nil && c.CapacityOvershoot != nil {
		c.CapacityOvershoot.WithLabelValues(scope).Inc()
	}
}

// RecordPurchase counts a purchase attempt by result.
func (c *Collector) RecordPurchase(scope, result string) {
	if c != nil && c.Purchases != nil {
		c.Purchases.WithLabelValues(scope, result).Inc()
	}
}

// RecordNotification counts a notification delivery by status.
func (c *Collector) RecordNotification(status string) {
	if c != nil && c.Notifications != nil {
		c.Notifications.WithLabelValues(status).Inc()
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	if c.HTTPRequestsTotal != nil {
		c.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	}
	if c.HTTPRequestDuration != nil {
		c.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	}
}

// Middleware records every request served by next. Requests are labelled
// with the matched ServeMux pattern to keep label cardinality bounded.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
