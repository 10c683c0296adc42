package bililive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamfeed",
		Subsystem: "bililive",
		Name:      "frames_total",
		Help:      "Decoded protocol frames by operation.",
	}, []string{"op"})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamfeed",
		Subsystem: "bililive",
		Name:      "commands_total",
		Help:      "Normalized command payloads by discriminator.",
	}, []string{"cmd"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamfeed",
		Subsystem: "bililive",
		Name:      "reconnects_total",
		Help:      "Connection attempts after the initial connect.",
	})

	dropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamfeed",
		Subsystem: "bililive",
		Name:      "drops_total",
		Help:      "Payloads dropped during normalization by reason.",
	}, []string{"reason"})
)
