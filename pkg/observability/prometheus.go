package observability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsClient implements MetricsClient backed by a prometheus
// registry. Metric families are created lazily on first use; the label set
// observed on the first call for a name is the one registered, so callers
// must use consistent labels per metric name.
type PrometheusMetricsClient struct {
	registry   *prometheus.Registry
	namespace  string
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
}

// NewPrometheusMetricsClient creates a metrics client registering into the
// given registry. A nil registry creates a private one.
func NewPrometheusMetricsClient(registry *prometheus.Registry, namespace string) *PrometheusMetricsClient {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusMetricsClient{
		registry:   registry,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the underlying prometheus registry for exposition.
func (m *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return m.registry
}

// IncrementCounter increments a counter without labels
func (m *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels
func (m *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metricName := sanitizeMetricName(name)
	vec, ok := m.counters[metricName]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      metricName,
		}, labelKeys(labels))
		if err := m.registry.Register(vec); err != nil {
			return
		}
		m.counters[metricName] = vec
	}
	vec.With(prometheus.Labels(labelValues(labels))).Add(value)
}

// RecordGauge sets a gauge value
func (m *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metricName := sanitizeMetricName(name)
	vec, ok := m.gauges[metricName]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      metricName,
		}, labelKeys(labels))
		if err := m.registry.Register(vec); err != nil {
			return
		}
		m.gauges[metricName] = vec
	}
	vec.With(prometheus.Labels(labelValues(labels))).Set(value)
}

// RecordHistogram records an observation into a histogram
func (m *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metricName := sanitizeMetricName(name)
	vec, ok := m.histograms[metricName]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      metricName,
			Buckets:   prometheus.DefBuckets,
		}, labelKeys(labels))
		if err := m.registry.Register(vec); err != nil {
			return
		}
		m.histograms[metricName] = vec
	}
	vec.With(prometheus.Labels(labelValues(labels))).Observe(value)
}

// RecordDuration records a duration in seconds
func (m *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	m.RecordHistogram(name, duration.Seconds(), nil)
}

// Close implements MetricsClient.Close
func (m *PrometheusMetricsClient) Close() error {
	return nil
}

func sanitizeMetricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelValues(labels map[string]string) map[string]string {
	if labels == nil {
		return map[string]string{}
	}
	return labels
}
