package metrics

import (
    "fmt"
    "net/http"
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

type PrometheusMetrics struct {
    counters   map[string]*prometheus.CounterVec
    histograms map[string]*prometheus.HistogramVec
    gauges     map[string]*prometheus.GaugeVec
}

var (
    defaultMetrics *PrometheusMetrics
    defaultOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *PrometheusMetrics {
    defaultOnce.Do(func() {
        defaultMetrics = NewPrometheusMetrics()
    })
    return defaultMetrics
}

func NewPrometheusMetrics() *PrometheusMetrics {
    pm := &PrometheusMetrics{
        counters:   make(map[string]*prometheus.CounterVec),
        histograms: make(map[string]*prometheus.HistogramVec),
        gauges:     make(map[string]*prometheus.GaugeVec),
    }

    pm.registerMetrics()

    return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
    // Counters
    pm.counters["ami_events"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "opdesk_ami_events_total",
            Help: "Total AMI events consumed by the correlator",
        },
        []string{},
    )

    pm.counters["ami_actions"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "opdesk_ami_actions_total",
            Help: "Total AMI actions sent",
        },
        []string{"action", "result"},
    )

    pm.counters["crm_records_published"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "opdesk_crm_records_published_total",
            Help: "CRM records handed to the publisher",
        },
        []string{"status", "type"},
    )

    pm.counters["crm_records_dropped"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "opdesk_crm_records_dropped_total",
            Help: "CRM records dropped because the publish queue was full",
        },
        []string{},
    )

    pm.counters["crm_publish_failed"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "opdesk_crm_publish_failed_total",
            Help: "CRM publish attempts that returned an error",
        },
        []string{},
    )

    pm.counters["notifications"] = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Name: "opdesk_call_notifications_total",
            Help: "Missed-call notifications recorded",
        },
        []string{"reason"},
    )

    // Histograms
    pm.histograms["crm_publish_duration"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "opdesk_crm_publish_duration_seconds",
            Help:    "CRM publish round-trip time",
            Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
        },
        []string{},
    )

    pm.histograms["broadcast_size"] = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Name:    "opdesk_broadcast_subscribers",
            Help:    "Subscribers reached per state broadcast",
            Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
        },
        []string{},
    )

    // Gauges
    pm.gauges["active_calls"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "opdesk_active_calls",
            Help: "Current number of tracked calls",
        },
        []string{},
    )

    pm.gauges["queue_waiting"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "opdesk_queue_waiting",
            Help: "Callers currently waiting across all queues",
        },
        []string{},
    )

    pm.gauges["subscribers"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "opdesk_subscribers",
            Help: "Connected state subscribers",
        },
        []string{},
    )

    pm.gauges["ami_connected"] = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Name: "opdesk_ami_connected",
            Help: "1 when the AMI session is up",
        },
        []string{},
    )

    // Register all metrics
    for _, counter := range pm.counters {
        prometheus.MustRegister(counter)
    }
    for _, histogram := range pm.histograms {
        prometheus.MustRegister(histogram)
    }
    for _, gauge := range pm.gauges {
        prometheus.MustRegister(gauge)
    }
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
    if counter, exists := pm.counters[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        counter.With(prometheus.Labels(labels)).Inc()
    }
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
    if histogram, exists := pm.histograms[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        histogram.With(prometheus.Labels(labels)).Observe(value)
    }
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
    if gauge, exists := pm.gauges[name]; exists {
        if labels == nil {
            labels = make(map[string]string)
        }
        gauge.With(prometheus.Labels(labels)).Set(value)
    }
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
    http.Handle("/metrics", promhttp.Handler())
    addr := fmt.Sprintf(":%d", port)
    logger.WithField("addr", addr).Info("Metrics server started")
    return http.ListenAndServe(addr, nil)
}

// Package-level helpers on the default instance.

func IncrementCounter(name string, labels map[string]string) {
    Default().IncrementCounter(name, labels)
}

func ObserveHistogram(name string, value float64, labels map[string]string) {
    Default().ObserveHistogram(name, value, labels)
}

func SetGauge(name string, value float64, labels map[string]string) {
    Default().SetGauge(name, value, labels)
}
