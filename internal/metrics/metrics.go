// Package metrics exposes Prometheus collectors for the coupon engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal counts eligibility evaluations by outcome. The reason
	// label is "eligible" for successes, otherwise the ineligibility reason.
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_validations_total",
			Help: "Coupon eligibility evaluations by outcome reason",
		},
		[]string{"reason"},
	)

	// ReservationsTotal counts reservation attempts by result:
	// reserved, usage_limit, customer_limit, not_found, unavailable.
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_reservations_total",
			Help: "Redemption reservation attempts by result",
		},
		[]string{"result"},
	)

	// ReserveDuration tracks reservation latency, the only hot-path write.
	ReserveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coupon_reserve_duration_seconds",
			Help:    "Latency of the atomic reservation operation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// SweptReservationsTotal counts reservations reclaimed by the expiry sweep.
	SweptReservationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coupon_swept_reservations_total",
			Help: "Expired reservations released by the maintenance sweep",
		},
	)
)
