// Package metrics exposes Prometheus collectors for the bulletin watcher.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	loginAttemptsTotal         *prometheus.CounterVec
	attachmentsTotal           *prometheus.CounterVec
	notifyTotal                *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	runDurationSeconds         prometheus.Histogram
	backoffSeconds             prometheus.Histogram
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_tasks_total",
				Help: "Tasks that reached a final status in a run, labeled by status.",
			},
			[]string{"status"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_fetch_attempts_total",
				Help: "Fetch attempts, labeled by operation and outcome kind.",
			},
			[]string{"op", "outcome"},
		)

		loginAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_login_attempts_total",
				Help: "Interactive login attempts, labeled by result.",
			},
			[]string{"result"},
		)

		attachmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_attachments_total",
				Help: "Attachment downloads, labeled by result.",
			},
			[]string{"result"},
		)

		notifyTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_notify_total",
				Help: "Notification deliveries, labeled by channel and result.",
			},
			[]string{"channel", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulletin_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bulletin_run_duration_seconds",
				Help:    "Wall time of a complete orchestrator run.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		backoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bulletin_backoff_seconds",
				Help:    "Sleep durations chosen by the retry shell.",
				Buckets: []float64{0.5, 1, 2, 4, 8, 16},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulletin_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the portal request limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_http_requests_total",
				Help: "Status API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulletin_http_request_duration_seconds",
				Help:    "Status API latencies, labeled by method and route.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask counts a task reaching status.
func ObserveTask(status string) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveFetchAttempt counts one attempt of op ("discover", "detail") with its outcome kind.
func ObserveFetchAttempt(op, outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveLoginAttempt counts one login attempt result.
func ObserveLoginAttempt(result string) {
	Init()
	loginAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveAttachment counts an attachment download result.
func ObserveAttachment(ok bool) {
	Init()
	attachmentsTotal.WithLabelValues(result(ok)).Inc()
}

// ObserveNotify counts a channel delivery.
func ObserveNotify(channel string, ok bool) {
	Init()
	notifyTotal.WithLabelValues(channel, result(ok)).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRun records the duration of an orchestrator run.
func ObserveRun(d time.Duration) {
	Init()
	runDurationSeconds.Observe(d.Seconds())
}

// ObserveBackoff records a retry sleep.
func ObserveBackoff(d time.Duration) {
	Init()
	backoffSeconds.Observe(d.Seconds())
}

// ObserveRateLimitDelay records the time a request waited for a limiter token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest records a status API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
