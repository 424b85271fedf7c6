package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atomicswap",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Escrow state machine transitions by operation and outcome.",
	}, []string{"op", "outcome"})

	activeEscrows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "atomicswap",
		Subsystem: "escrow",
		Name:      "active",
		Help:      "Escrows currently in the active state by type.",
	}, []string{"type"})
)
