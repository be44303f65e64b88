// Package metrics holds the Prometheus collectors for relaysync. Collectors are
// registered with the default registry on init; callers go through the
// Report* helpers rather than touching the vectors directly.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaysync"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "The total number of handled storage requests.",
	},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Bucketed histogram of request handling time by route.",
		// 0.5ms .. ~2s
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 13),
	},
		[]string{"route"},
	)
	preconditionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "precondition_failures_total",
		Help:      "The total number of writes rejected by X-If-Unmodified-Since.",
	})
	engineState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "state",
		Help:      "Current engine state as its numeric value (0 idle .. 5 error).",
	},
		[]string{"engine"},
	)
	engineSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "sync_total",
		Help:      "The total number of sync cycles by result.",
	},
		[]string{"engine", "result"},
	)
	engineRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "records_total",
		Help:      "The total number of processed records by outcome.",
	},
		[]string{"engine", "outcome"},
	)
	trackerScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "score",
		Help:      "Current tracker score.",
	},
		[]string{"engine"},
	)
	schedulerBackoff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "backoff_seconds",
		Help:      "Delay before the next scheduled sync.",
	})
)

func init() {
	prometheus.MustRegister(httpRequests)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(preconditionFailures)
	prometheus.MustRegister(engineState)
	prometheus.MustRegister(engineSyncs)
	prometheus.MustRegister(engineRecords)
	prometheus.MustRegister(trackerScore)
	prometheus.MustRegister(schedulerBackoff)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ReportHTTPRequest(method, route string, code int, started time.Time) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}

func ReportPreconditionFailure() {
	preconditionFailures.Inc()
}

func ReportEngineState(engine string, state int) {
	engineState.WithLabelValues(engine).Set(float64(state))
}

func ReportSync(engine, result string) {
	engineSyncs.WithLabelValues(engine, result).Inc()
}

func ReportRecords(engine, outcome string, n int) {
	if n <= 0 {
		return
	}
	engineRecords.WithLabelValues(engine, outcome).Add(float64(n))
}

func ReportTrackerScore(engine string, score int) {
	trackerScore.WithLabelValues(engine).Set(float64(score))
}

func ReportSchedulerDelay(d time.Duration) {
	schedulerBackoff.Set(d.Seconds())
}
