package custody

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts custody operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atomicswap",
			Name:      "custody_operations_total",
			Help:      "Total custody operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atomicswap",
			Name:      "custody_operation_duration_seconds",
			Help:      "Custody operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// heldGauge tracks the total balance on hold by reason.
	heldGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "atomicswap",
			Name:      "custody_balance_on_hold_total",
			Help:      "Sum of all balances on hold by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, heldGauge)
}

// observeOp increments the operation counter and returns a function to
// observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// amountF64 is lossy above 2^53; fine for gauges, never for accounting.
func amountF64(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
