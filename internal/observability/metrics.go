package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "urgent_dispatch", Name: "requests_created_total", Help: "Urgent requests created"})
	RateLimitHits   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "urgent_dispatch", Name: "rate_limit_hits_total", Help: "Request creations rejected by the rate limit"})

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "urgent_dispatch", Name: "dispatches_total", Help: "Dispatch passes executed"},
		[]string{"retry"},
	)
	DispatchNoCandidates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "urgent_dispatch", Name: "dispatch_no_candidates_total", Help: "Dispatch passes that found nobody"})
	CandidatesRanked     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "urgent_dispatch", Name: "candidates_ranked_total", Help: "Candidates returned by the matcher"})

	AcceptsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "urgent_dispatch", Name: "accepts_total", Help: "Successful candidate acceptances"})
	RejectsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "urgent_dispatch", Name: "rejects_total", Help: "Candidate rejections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "urgent_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "urgent_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
