package intent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomicswap",
		Subsystem: "intent",
		Name:      "transitions_total",
		Help:      "Intent lifecycle transitions by operation and outcome.",
	}, []string{"op", "outcome"})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atomicswap",
		Subsystem: "intent",
		Name:      "expired_total",
		Help:      "Intents expired by the timeout sweeper.",
	})
)
