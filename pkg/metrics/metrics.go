// Package metrics provides metrics collection for scan imports.
// It includes a backend-neutral Collector interface, a Prometheus
// implementation and a Recorder that knows the import metrics.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"` // For histograms
}

// =============================================================================
// Import Metrics
// =============================================================================

var (
	ImportsTotal = MetricDefinition{
		Name:   "imports_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of scan imports",
		Labels: []string{"format", "status"},
	}
	ImportDuration = MetricDefinition{
		Name:    "import_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Duration of scan imports in seconds",
		Labels:  []string{"format"},
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}
	FindingsParsed = MetricDefinition{
		Name:   "findings_parsed_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of findings parsed",
		Labels: []string{"format", "severity"},
	}
	RecordErrors = MetricDefinition{
		Name:   "record_errors_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of skipped hosts, findings and rows",
		Labels: []string{"format"},
	}
	SeverityFallbacks = MetricDefinition{
		Name:   "severity_fallbacks_total",
		Type:   MetricTypeCounter,
		Help:   "Findings whose severity mapped to unknown",
		Labels: []string{"format"},
	}
	SLAFallbacks = MetricDefinition{
		Name:   "sla_fallbacks_total",
		Type:   MetricTypeCounter,
		Help:   "Vulnerabilities opened with the unknown SLA window",
		Labels: []string{},
	}
	NormalizationConflicts = MetricDefinition{
		Name:   "normalization_conflicts_total",
		Type:   MetricTypeCounter,
		Help:   "Vulnerability updates rejected during normalization",
		Labels: []string{},
	}
	SLABreaches = MetricDefinition{
		Name:   "sla_breaches",
		Type:   MetricTypeGauge,
		Help:   "Active vulnerabilities past their SLA target",
		Labels: []string{"severity"},
	}
	PipelineQueueSize = MetricDefinition{
		Name:   "pipeline_queue_size",
		Type:   MetricTypeGauge,
		Help:   "Imports waiting in the pipeline queue",
		Labels: []string{},
	}
	PipelineRetries = MetricDefinition{
		Name:   "pipeline_retries_total",
		Type:   MetricTypeCounter,
		Help:   "Import retries after retryable failures",
		Labels: []string{},
	}
)

// Definitions returns every import metric.
func Definitions() []MetricDefinition {
	return []MetricDefinition{
		ImportsTotal, ImportDuration, FindingsParsed, RecordErrors, SeverityFallbacks,
		SLAFallbacks, NormalizationConflicts, SLABreaches, PipelineQueueSize, PipelineRetries,
	}
}

// =============================================================================
// Recorder
// =============================================================================

// ImportStats is what one finished import reports.
type ImportStats struct {
	Format            string
	Status            string
	Duration          time.Duration
	BySeverity        severity.CountBySeverity
	RecordErrors      int
	SeverityFallbacks int
	SLAFallbacks      int
	Conflicts         int
}

// Recorder writes import metrics to a Collector.
type Recorder struct {
	c Collector
}

// NewRecorder wraps c. A nil collector records nothing.
func NewRecorder(c Collector) *Recorder {
	if c == nil {
		c = &NopCollector{}
	}
	return &Recorder{c: c}
}

// Collector returns the underlying collector.
func (r *Recorder) Collector() Collector {
	return r.c
}

// Import records one finished import.
func (r *Recorder) Import(s ImportStats) {
	r.c.CounterInc(ImportsTotal.Name, "format", s.Format, "status", s.Status)
	r.c.HistogramObserve(ImportDuration.Name, s.Duration.Seconds(), "format", s.Format)

	for _, l := range severity.AllLevels() {
		if n := s.BySeverity.Get(l); n > 0 {
			r.c.CounterAdd(FindingsParsed.Name, float64(n), "format", s.Format, "severity", string(l))
		}
	}
	if s.RecordErrors > 0 {
		r.c.CounterAdd(RecordErrors.Name, float64(s.RecordErrors), "format", s.Format)
	}
	if s.SeverityFallbacks > 0 {
		r.c.CounterAdd(SeverityFallbacks.Name, float64(s.SeverityFallbacks), "format", s.Format)
	}
	if s.SLAFallbacks > 0 {
		r.c.CounterAdd(SLAFallbacks.Name, float64(s.SLAFallbacks))
	}
	if s.Conflicts > 0 {
		r.c.CounterAdd(NormalizationConflicts.Name, float64(s.Conflicts))
	}
}

// Breaches publishes the current breach counts per severity.
func (r *Recorder) Breaches(bySeverity map[severity.Level]int) {
	for _, l := range severity.Actionable() {
		r.c.GaugeSet(SLABreaches.Name, float64(bySeverity[l]), "severity", string(l))
	}
}

// QueueSize publishes the pipeline queue depth.
func (r *Recorder) QueueSize(n int) {
	r.c.GaugeSet(PipelineQueueSize.Name, float64(n))
}

// Retry counts one pipeline retry.
func (r *Recorder) Retry() {
	r.c.CounterInc(PipelineRetries.Name)
}

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	var b strings.Builder
	b.WriteString(name)
	for i := 0; i+1 < len(labels); i += 2 {
		b.WriteString("," + labels[i] + "=" + labels[i+1])
	}
	return b.String()
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[c.key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[c.key(name, labels)] = value
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// Keys lists every recorded series, sorted. Handy when a test fails.
func (c *InMemoryCollector) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for k := range c.counters {
		keys = append(keys, k)
	}
	for k := range c.gauges {
		keys = append(keys, k)
	}
	for k := range c.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer measures an operation against a clock.
type Timer struct {
	start time.Time
	now   func() time.Time
}

// NewTimer starts a timer. A nil clock uses time.Now.
func NewTimer(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{start: now(), now: now}
}

// Elapsed returns the duration since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)
