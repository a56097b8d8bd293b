// Package metrics exposes crawl and API counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	decisions      *prometheus.CounterVec
	regenerations  *prometheus.CounterVec
	artifactTime   *prometheus.HistogramVec
	nodeWrites     *prometheus.CounterVec
	crawls         *prometheus.CounterVec
	crawlTime      prometheus.Histogram
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// New registers the collectors with reg. Collectors already registered by an
// earlier call are reused.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "updatebot",
			Subsystem: "crawl",
			Name:      "staleness_decisions_total",
			Help:      "Staleness verdicts per artifact",
		}, []string{"verdict"}),
		regenerations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "updatebot",
			Subsystem: "crawl",
			Name:      "regenerations_total",
			Help:      "Derived artifact regenerations by outcome",
		}, []string{"outcome"}),
		artifactTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "updatebot",
			Subsystem: "crawl",
			Name:      "regeneration_duration_seconds",
			Help:      "Time spent regenerating one derived artifact",
			Buckets:   histogramBuckets,
		}, []string{"outcome"}),
		nodeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "updatebot",
			Subsystem: "crawl",
			Name:      "node_writes_total",
			Help:      "Deployment node writes by outcome",
		}, []string{"outcome"}),
		crawls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "updatebot",
			Subsystem: "crawl",
			Name:      "roots_total",
			Help:      "Root deployments crawled by result",
		}, []string{"result"}),
		crawlTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "updatebot",
			Subsystem: "crawl",
			Name:      "duration_seconds",
			Help:      "Duration of full crawls",
			Buckets:   histogramBuckets,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "updatebot",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "updatebot",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "status"}),
	}
	m.decisions = register(reg, m.decisions)
	m.regenerations = register(reg, m.regenerations)
	m.artifactTime = register(reg, m.artifactTime)
	m.nodeWrites = register(reg, m.nodeWrites)
	m.crawls = register(reg, m.crawls)
	m.crawlTime = register(reg, m.crawlTime)
	m.requests = register(reg, m.requests)
	m.requestLatency = register(reg, m.requestLatency)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) Decision(stale bool) {
	if m == nil {
		return
	}
	verdict := "fresh"
	if stale {
		verdict = "stale"
	}
	m.decisions.WithLabelValues(verdict).Inc()
}

func (m *Metrics) Regeneration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.regenerations.WithLabelValues(outcome).Inc()
	m.artifactTime.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) NodeWrite(outcome string) {
	if m == nil {
		return
	}
	m.nodeWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Root(changed bool) {
	if m == nil {
		return
	}
	result := "unchanged"
	if changed {
		result = "changed"
	}
	m.crawls.WithLabelValues(result).Inc()
}

func (m *Metrics) Crawl(d time.Duration) {
	if m == nil {
		return
	}
	m.crawlTime.Observe(d.Seconds())
}

// Instrument records count and latency of every request handled by next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, req)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		m.requests.WithLabelValues(req.Method, code).Inc()
		m.requestLatency.WithLabelValues(req.Method, code).Observe(time.Since(start).Seconds())
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
