package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every import metric.
const DefaultNamespace = "vulnsla"

// =============================================================================
// Prometheus Collector
// =============================================================================

// PrometheusCollector implements the Collector interface using Prometheus.
type PrometheusCollector struct {
	mu sync.RWMutex

	registry *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	namespace string
	subsystem string
}

// PrometheusConfig configures the Prometheus collector.
type PrometheusConfig struct {
	// Namespace prefixes all metric names. Empty means DefaultNamespace.
	Namespace string

	// Subsystem prefixes metric names after namespace (e.g., "engine")
	Subsystem string

	// Registry is the Prometheus registry to use (nil = new registry)
	Registry *prometheus.Registry

	// RegisterDefaultMetrics registers the import metrics
	RegisterDefaultMetrics bool
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(cfg *PrometheusConfig) (*PrometheusCollector, error) {
	if cfg == nil {
		cfg = &PrometheusConfig{RegisterDefaultMetrics: true}
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		// Register standard Go metrics
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	c := &PrometheusCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		namespace:  namespace,
		subsystem:  cfg.Subsystem,
	}

	if cfg.RegisterDefaultMetrics {
		for _, def := range Definitions() {
			if err := c.Register(def); err != nil {
				return nil, fmt.Errorf("register %s: %w", def.Name, err)
			}
		}
	}

	return c, nil
}

// =============================================================================
// Registration Methods
// =============================================================================

// Register registers a metric according to its type. Registering a name
// twice is a no-op.
func (c *PrometheusCollector) Register(def MetricDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered(def.Name) {
		return nil
	}

	var vec prometheus.Collector
	var keep func()
	switch def.Type {
	case MetricTypeCounter:
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace, Subsystem: c.subsystem, Name: def.Name, Help: def.Help,
		}, def.Labels)
		vec, keep = cv, func() { c.counters[def.Name] = cv }
	case MetricTypeGauge:
		gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace, Subsystem: c.subsystem, Name: def.Name, Help: def.Help,
		}, def.Labels)
		vec, keep = gv, func() { c.gauges[def.Name] = gv }
	case MetricTypeHistogram:
		buckets := def.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace, Subsystem: c.subsystem, Name: def.Name, Help: def.Help,
			Buckets: buckets,
		}, def.Labels)
		vec, keep = hv, func() { c.histograms[def.Name] = hv }
	default:
		return fmt.Errorf("unsupported metric type %q", def.Type)
	}

	if err := c.registry.Register(vec); err != nil {
		return err
	}
	keep()
	return nil
}

// registered reports whether name is known. Callers hold c.mu.
func (c *PrometheusCollector) registered(name string) bool {
	_, counter := c.counters[name]
	_, gauge := c.gauges[name]
	_, histogram := c.histograms[name]
	return counter || gauge || histogram
}

// =============================================================================
// Collector Interface Implementation
// =============================================================================

// Observations on unregistered names or with the wrong label set are dropped.

func (c *PrometheusCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *PrometheusCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if m, err := counter.GetMetricWithLabelValues(labelsToValues(labels)...); err == nil {
		m.Add(value)
	}
}

func (c *PrometheusCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if m, err := gauge.GetMetricWithLabelValues(labelsToValues(labels)...); err == nil {
		m.Set(value)
	}
}

func (c *PrometheusCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	if m, err := histogram.GetMetricWithLabelValues(labelsToValues(labels)...); err == nil {
		m.Observe(value)
	}
}

func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying Prometheus registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// =============================================================================
// Helper Functions
// =============================================================================

// labelsToValues converts label pairs to values only.
// Input: ["label1", "value1", "label2", "value2"]
// Output: ["value1", "value2"]
func labelsToValues(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}

	values := make([]string, 0, len(labels)/2)
	for i := 1; i < len(labels); i += 2 {
		values = append(values, labels[i])
	}
	return values
}

var _ Collector = (*PrometheusCollector)(nil)
