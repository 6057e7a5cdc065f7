package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the prometheus collectors exported at /metrics.
type Registry struct {
	reg *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	RunLatency     *prometheus.HistogramVec
	SampleLatency  *prometheus.HistogramVec
	SamplesTotal   *prometheus.CounterVec
	TokensTotal    *prometheus.CounterVec
	CacheOps       *prometheus.CounterVec
	RateLimited    prometheus.Counter
	WebDocsFetched prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heretix_runs_total",
			Help: "Completed verification runs",
		}, []string{"mode", "model", "provider", "status"}),
		RunLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heretix_run_latency_ms",
			Help:    "End-to-end run latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 12),
		}, []string{"mode", "model"}),
		SampleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "heretix_sample_latency_ms",
			Help:    "Single provider sample latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"provider", "model"}),
		SamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heretix_samples_total",
			Help: "Provider samples by compliance outcome",
		}, []string{"provider", "model", "outcome"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heretix_tokens_total",
			Help: "Prompt and completion tokens consumed",
		}, []string{"provider", "model", "direction"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heretix_cache_ops_total",
			Help: "Sample and run cache hits and misses",
		}, []string{"cache", "outcome"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heretix_http_rate_limited_total",
			Help: "HTTP requests rejected by the per-IP limiter",
		}),
		WebDocsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heretix_web_docs_fetched_total",
			Help: "Documents fetched for publish-date enrichment",
		}),
	}
	reg.MustRegister(m.RunsTotal, m.RunLatency, m.SampleLatency, m.SamplesTotal,
		m.TokensTotal, m.CacheOps, m.RateLimited, m.WebDocsFetched)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
