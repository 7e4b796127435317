package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenRequests records magic-link token requests by result (success|rejected).
	TokenRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_token_requests_total",
			Help: "Total number of magic-link token requests",
		},
		[]string{"result"},
	)

	// TokenVerifications counts verification attempts by outcome
	// (success|invalid|used|expired).
	TokenVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_token_verifications_total",
			Help: "Total number of magic-link verification attempts",
		},
		[]string{"outcome"},
	)

	// NotificationFailures counts swallowed notifier errors by kind
	// (magic_link|low_credit).
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_notification_failures_total",
			Help: "Total number of non-fatal notification delivery failures",
		},
		[]string{"kind"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "passport_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// CreditsConsumed accumulates consumed credits by tier.
	CreditsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passport_credits_consumed_total",
			Help: "Total credits consumed",
		},
		[]string{"tier"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "passport_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
