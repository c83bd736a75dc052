package observability

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metric names used outside this file.
const (
	MetricUnitsEvaluated = "scout_units_evaluated_total"
	MetricModelAttempts  = "scout_model_attempts_total"
)

// Metrics holds all Prometheus metrics for the evaluation pipeline.
type Metrics struct {
	// Pipeline
	UnitsEvaluatedTotal *prometheus.CounterVec
	StageSeconds        *prometheus.HistogramVec
	ErrorsTotal         *prometheus.CounterVec
	Confidence          prometheus.Histogram
	OpportunityScore    prometheus.Histogram

	// Model calls
	ModelAttemptsTotal  *prometheus.CounterVec
	ModelLatencySeconds *prometheus.HistogramVec

	// Queue
	QueueItemsTotal  *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	QueueWaitSeconds *prometheus.HistogramVec
	DLQItemsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers a new set of metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UnitsEvaluatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricUnitsEvaluated,
				Help: "Units that reached a terminal state, by outcome",
			},
			[]string{"outcome"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scout_stage_seconds",
				Help:    "Latency per pipeline stage",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_stage_errors_total",
				Help: "Errors recorded into unit state, by stage",
			},
			[]string{"stage"},
		),
		Confidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scout_classification_confidence",
				Help:    "Classification confidence of units that passed evidence validation",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
			},
		),
		OpportunityScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scout_opportunity_score",
				Help:    "Opportunity scores returned by the score stage",
				Buckets: prometheus.LinearBuckets(10, 10, 10),
			},
		),
		ModelAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricModelAttempts,
				Help: "Model call attempts by contract and status",
			},
			[]string{"contract", "status"},
		),
		ModelLatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scout_model_latency_seconds",
				Help:    "Model call attempt latency",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30, 60},
			},
			[]string{"contract"},
		),
		QueueItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_queue_items_total",
				Help: "Total items entering each queue",
			},
			[]string{"queue"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scout_queue_depth",
				Help: "Current queue depth",
			},
			[]string{"queue"},
		),
		QueueWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scout_queue_wait_seconds",
				Help:    "Time spent in queue before pickup",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
			},
			[]string{"queue"},
		),
		DLQItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_dlq_items_total",
				Help: "Total items added to dead letter queue",
			},
			[]string{"queue", "error_type"},
		),
	}
}

// RecordOutcome counts a unit reaching a terminal state.
func (m *Metrics) RecordOutcome(outcome string) {
	m.UnitsEvaluatedTotal.WithLabelValues(outcome).Inc()
}

// RecordStage observes a stage's latency and whether it recorded an error.
func (m *Metrics) RecordStage(stage string, d time.Duration, failed bool) {
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
	if failed {
		m.ErrorsTotal.WithLabelValues(stage).Inc()
	}
}

// RecordConfidence observes a validated classification confidence.
func (m *Metrics) RecordConfidence(confidence float64) {
	m.Confidence.Observe(confidence)
}

// RecordScore observes an opportunity score.
func (m *Metrics) RecordScore(score int) {
	m.OpportunityScore.Observe(float64(score))
}

// ObserveAttempt records one model call attempt.
func (m *Metrics) ObserveAttempt(contract string, attempt int, status string, elapsed time.Duration) {
	m.ModelAttemptsTotal.WithLabelValues(contract, status).Inc()
	m.ModelLatencySeconds.WithLabelValues(contract).Observe(elapsed.Seconds())
}

// RecordQueueEnqueue records items entering a queue.
func (m *Metrics) RecordQueueEnqueue(queue string, n int) {
	m.QueueItemsTotal.WithLabelValues(queue).Add(float64(n))
}

// RecordQueueDepth sets the current queue depth.
func (m *Metrics) RecordQueueDepth(queue string, depth int64) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueWait records the time an item spent in the queue.
func (m *Metrics) RecordQueueWait(queue string, wait time.Duration) {
	m.QueueWaitSeconds.WithLabelValues(queue).Observe(wait.Seconds())
}

// RecordDLQItem records an item added to the dead letter queue.
func (m *Metrics) RecordDLQItem(queue, errorType string) {
	m.DLQItemsTotal.WithLabelValues(queue, errorType).Inc()
}

// WriteTextfile writes every family in g to path in the Prometheus text
// format, suitable for the node_exporter textfile collector. The file is
// replaced atomically.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return os.Rename(tmp, path)
}

// LabelTotals sums the named family per value of label. Missing families yield an empty map.
func LabelTotals(g prometheus.Gatherer, family, label string) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	totals := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			totals[labelValue(m, label)] += metricValue(m)
		}
	}
	return totals, nil
}

// SortedKeys returns the keys of totals in lexical order.
func SortedKeys(totals map[string]float64) []string {
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	case m.Histogram != nil:
		return float64(m.Histogram.GetSampleCount())
	}
	return 0
}
