package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Retrain outcomes reported by ObserveRetrain.
const (
	RetrainSkipped = "skipped"
	RetrainFitted  = "fitted"
	RetrainFailed  = "failed"
)

// Metrics exposes Prometheus collectors for the analysis pipeline and its
// background jobs.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	dispatched   prometheus.Counter
	expediency   *prometheus.CounterVec
	corrections  prometheus.Counter
	retrains     *prometheus.CounterVec
	unreconciled *prometheus.CounterVec
	swept        prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the pipeline metrics against the provided registerer.
// When the registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddDispatched counts transactions handed to the queue.
func (m *Metrics) AddDispatched(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.dispatched.Add(float64(count))
}

// ObserveExpediency counts an assigned coefficient.
func (m *Metrics) ObserveExpediency(coefficient int) {
	if m == nil {
		return
	}
	m.expediency.WithLabelValues(strconv.Itoa(coefficient)).Inc()
}

// IncCorrections counts a recorded user correction.
func (m *Metrics) IncCorrections() {
	if m == nil {
		return
	}
	m.corrections.Inc()
}

// ObserveRetrain counts a retrain check by outcome.
func (m *Metrics) ObserveRetrain(outcome string) {
	if m == nil {
		return
	}
	m.retrains.WithLabelValues(outcome).Inc()
}

// IncUnreconciled counts a statement whose closing balance did not match.
func (m *Metrics) IncUnreconciled(bank string) {
	if m == nil {
		return
	}
	m.unreconciled.WithLabelValues(bank).Inc()
}

// AddSwept counts stale transactions resubmitted by the sweeper.
func (m *Metrics) AddSwept(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.swept.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendlens_jobs_total",
			Help: "Total job executions partitioned by job name and status.",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendlens_jobs_failures_total",
			Help: "Total failures observed for background jobs.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spendlens_job_duration_seconds",
			Help:    "Duration in seconds of background job executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendlens_analysis_dispatched_total",
			Help: "Transactions submitted for categorization.",
		}),
		expediency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendlens_expediency_total",
			Help: "Assigned expediency coefficients.",
		}, []string{"coefficient"}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendlens_corrections_total",
			Help: "User category corrections recorded.",
		}),
		retrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendlens_retrain_total",
			Help: "Retrain checks grouped by outcome.",
		}, []string{"outcome"}),
		unreconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendlens_statement_unreconciled_total",
			Help: "Parsed statements whose closing balance did not match the running balance.",
		}, []string{"bank"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendlens_sweeper_resubmitted_total",
			Help: "Stale transactions reset to pending and resubmitted.",
		}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.dispatched, m.expediency,
		m.corrections, m.retrains, m.unreconciled, m.swept)
	return m
}
