package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain collectors. HTTP traffic metrics live in the middleware package.
var (
	// NegotiationTransitions counts committed state changes.
	NegotiationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_transitions_total",
			Help: "Committed negotiation state transitions.",
		},
		[]string{"from", "to"},
	)

	// NegotiationRejections counts refused submissions by reason
	// (validation, illegal_transition, conflict).
	NegotiationRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_rejections_total",
			Help: "Rejected negotiation actions by reason.",
		},
		[]string{"reason"},
	)

	RealtimeSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_subscribers",
			Help: "Live websocket/SSE subscriptions across all conversations.",
		},
	)

	// RealtimeDropped counts frames not delivered to a slow subscriber, by
	// class (chat, typing, state). State drops force the subscriber to resync.
	RealtimeDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_dropped_total",
			Help: "Frames dropped for slow subscribers.",
		},
		[]string{"class"},
	)

	OTPChallenges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "otp_challenges_total",
			Help: "OTP challenges issued.",
		},
	)

	OTPVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_verifications_total",
			Help: "OTP verification outcomes.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		NegotiationTransitions,
		NegotiationRejections,
		RealtimeSubscribers,
		RealtimeDropped,
		OTPChallenges,
		OTPVerifications,
	)
}
