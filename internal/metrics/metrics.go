package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "captioner"

// Request outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeValidation  = "validation_error"
	OutcomeDecode      = "decode_error"
	OutcomeInference   = "inference_error"
	OutcomeUnavailable = "unavailable"
	OutcomeCanceled    = "canceled"
)

// Cache lookup results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

type Metrics struct {
	registry prometheus.Gatherer

	requests         *prometheus.CounterVec
	inferenceSeconds prometheus.Histogram
	inFlight         prometheus.Gauge
	tokens           prometheus.Histogram
	cacheLookups     *prometheus.CounterVec
}

// New registers the service collectors on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Analyze requests by outcome.",
		}, []string{"outcome"}),
		inferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Time spent generating a caption, excluding queueing.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inference_in_flight",
			Help:      "Inferences currently holding a worker slot.",
		}),
		tokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generated_tokens",
			Help:      "Tokens generated per caption.",
			Buckets:   prometheus.LinearBuckets(5, 10, 10),
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Caption cache lookups by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.requests, m.inferenceSeconds, m.inFlight, m.tokens, m.cacheLookups)
	return m
}

// Nop returns metrics registered on a private registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Request(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InferenceStarted() {
	m.inFlight.Inc()
}

func (m *Metrics) InferenceFinished(d time.Duration, tokens int, ok bool) {
	m.inFlight.Dec()
	m.inferenceSeconds.Observe(d.Seconds())
	if ok {
		m.tokens.Observe(float64(tokens))
	}
}

func (m *Metrics) CacheLookup(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Handler serves the exposition format for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
