package twitchlive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamfeed",
		Subsystem: "twitchlive",
		Name:      "events_total",
		Help:      "Normalized events by source.",
	}, []string{"source"})

	dropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamfeed",
		Subsystem: "twitchlive",
		Name:      "drops_total",
		Help:      "Payloads dropped during normalization by reason.",
	}, []string{"reason"})

	authExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamfeed",
		Subsystem: "twitchlive",
		Name:      "auth_expired_total",
		Help:      "Connect attempts refused by the credential expiry gate.",
	})
)
