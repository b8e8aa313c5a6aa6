package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RefreshTotal counts network refresh attempts by outcome (success, rejected, transport, malformed, no_refresh_token, rotated_elsewhere).
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "snapy", Subsystem: "session", Name: "refresh_total", Help: "Refresh attempts by outcome."},
		[]string{"outcome"},
	)
	// RefreshShared counts callers that joined a refresh already in flight.
	RefreshShared = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "snapy", Subsystem: "session", Name: "refresh_shared_total", Help: "Callers that awaited an in-flight refresh instead of starting one."},
	)
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "snapy", Subsystem: "session", Name: "requests_total", Help: "Authenticated requests by result (ok, retried, unauthenticated, transport)."},
		[]string{"result"},
	)
	LogoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "snapy", Subsystem: "session", Name: "logouts_total", Help: "Session invalidations by reason."},
		[]string{"reason"},
	)

	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "snapy", Subsystem: "devauth", Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "snapy", Subsystem: "devauth", Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "snapy", Subsystem: "devauth", Name: "tokens_issued_total", Help: "Token pairs issued by grant (login, refresh)."},
		[]string{"grant"},
	)
)

// RegisterClientCollectors registers the session client collectors.
func RegisterClientCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RefreshTotal)
	reg.MustRegister(RefreshShared)
	reg.MustRegister(RequestsTotal)
	reg.MustRegister(LogoutsTotal)
}

// RegisterServerCollectors registers the dev auth server collectors.
func RegisterServerCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(TokensIssued)
}
