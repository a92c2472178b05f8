package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsTotal          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_runs_total", Help: "Automation runs by final status"}, []string{"status"})
	PostsPublished     = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_posts_published_total", Help: "Posts published to X"})
	PostsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_posts_failed_total", Help: "Posts whose publish attempt failed"})
	CandidatesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_candidates_ingested_total", Help: "Ingested items by source type and result"}, []string{"type", "result"})
	LLMRequests        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_llm_requests_total", Help: "Text generation requests by result"}, []string{"result"})
	RateLimitWaits     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_rate_limit_waits_total", Help: "Calls that had to wait for a rate limiter token"}, []string{"limiter"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopilot_pending_posts", Help: "Pending posts waiting for their slot"})

	// BreakerState values: 0=closed, 1=half-open, 2=open.
	BreakerState       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "circuit_breaker_state", Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)"}, []string{"name"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "circuit_breaker_state_transitions_total", Help: "Total number of circuit breaker state transitions"}, []string{"name", "from", "to"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			PostsPublished,
			PostsFailed,
			CandidatesIngested,
			LLMRequests,
			RateLimitWaits,
			QueueDepthGauge,
			BreakerState,
			BreakerTransitions,
		)
	})
}

// RecordBreakerTransition counts a transition and updates the state gauge.
func RecordBreakerTransition(name, from, to string, toValue int) {
	BreakerTransitions.WithLabelValues(name, from, to).Inc()
	BreakerState.WithLabelValues(name).Set(float64(toValue))
}
