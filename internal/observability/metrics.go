package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	syncRuns        *prometheus.CounterVec
	syncRecords     *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	journalOutcomes *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry, metrik HTTP, dan metrik sinkronisasi/jurnal.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finmirror_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finmirror_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	syncRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finmirror_sync_runs_total",
		Help: "Mirror sync runs by entity type and final status.",
	}, []string{"entity", "status"})
	syncRecords := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finmirror_sync_records_total",
		Help: "Mirrored records by entity type and reconcile outcome.",
	}, []string{"entity", "outcome"})
	syncDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finmirror_sync_duration_seconds",
		Help:    "Duration of mirror sync runs per entity type.",
		Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800},
	}, []string{"entity"})
	journal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finmirror_journal_outcomes_total",
		Help: "Journal regeneration outcomes by source type.",
	}, []string{"source_type", "outcome"})
	registry.MustRegister(requests, duration, syncRuns, syncRecords, syncDuration, journal)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		syncRuns:        syncRuns,
		syncRecords:     syncRecords,
		syncDuration:    syncDuration,
		journalOutcomes: journal,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveSync mencatat satu run sinkronisasi beserta jumlah record per outcome.
func (m *Metrics) ObserveSync(entity, status string, elapsed time.Duration, records map[string]int) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(entity, status).Inc()
	m.syncDuration.WithLabelValues(entity).Observe(elapsed.Seconds())
	for outcome, n := range records {
		if n > 0 {
			m.syncRecords.WithLabelValues(entity, outcome).Add(float64(n))
		}
	}
}

// ObserveJournal mencatat outcome regenerasi jurnal.
func (m *Metrics) ObserveJournal(sourceType, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.journalOutcomes.WithLabelValues(sourceType, outcome).Add(float64(n))
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
