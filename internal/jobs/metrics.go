package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run statuses recorded in finmirror_jobs_total.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusSkipped = "skipped"
	StatusFailure = "failure"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against registerer, or once against
// the default Prometheus registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker times one job run and records how it ended.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
	now     func() time.Time
}

// Track starts a tracker for job. A nil Metrics yields a tracker that records nothing.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now(), now: time.Now}
}

// End records success or failure depending on err and returns err untouched.
func (t *Tracker) End(err error) error {
	if err != nil {
		t.finish(StatusFailure)
		return err
	}
	t.finish(StatusSuccess)
	return nil
}

// Partial records a run where some units failed and the rest completed.
func (t *Tracker) Partial() {
	t.finish(StatusPartial)
}

// Skip records a run that did no work because another worker held the lock.
func (t *Tracker) Skip() {
	t.finish(StatusSkipped)
}

func (t *Tracker) finish(status string) {
	if t == nil || t.metrics == nil || t.job == "" {
		return
	}
	m := t.metrics
	m.runs.WithLabelValues(t.job, status).Inc()
	m.duration.WithLabelValues(t.job).Observe(t.now().Sub(t.start).Seconds())
	switch status {
	case StatusFailure:
		m.failures.WithLabelValues(t.job).Inc()
	case StatusSuccess, StatusPartial:
		m.lastSuccess.WithLabelValues(t.job).Set(float64(t.now().Unix()))
	}
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finmirror_jobs_total",
		Help: "Job executions by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finmirror_jobs_failures_total",
		Help: "Job executions that returned an error.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finmirror_job_duration_seconds",
		Help:    "Wall time of job executions.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"job"})
	lastSuccess := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "finmirror_job_last_success_timestamp_seconds",
		Help: "Unix time of the last run that completed at least partially.",
	}, []string{"job"})
	registerer.MustRegister(runs, failures, duration, lastSuccess)
	return &Metrics{runs: runs, failures: failures, duration: duration, lastSuccess: lastSuccess}
}
