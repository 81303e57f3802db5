package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CartMergeTotal counts cart loads by outcome (merged, partial, fallback, guest).
	CartMergeTotal *prometheus.CounterVec
	// CartMergeSkippedTotal counts local lines left out of a merge.
	CartMergeSkippedTotal prometheus.Counter
	// CartMutationTotal counts engine operations by outcome.
	CartMutationTotal *prometheus.CounterVec
	// CartRollbackTotal counts optimistic updates reverted after a backend failure.
	CartRollbackTotal *prometheus.CounterVec
	// CartCoalescedUpdatesTotal counts quantity updates replaced before reaching the backend.
	CartCoalescedUpdatesTotal prometheus.Counter
	// CartOrdersTotal counts order placement attempts.
	CartOrdersTotal *prometheus.CounterVec
	// BackendRequestLatency records backend call latency in milliseconds.
	BackendRequestLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers cart-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CartMergeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_merge_total",
			Help:      "Count of cart loads by merge outcome.",
		}, []string{"result"})
		CartMergeSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_merge_skipped_total",
			Help:      "Number of local cart lines that could not be pushed during a merge.",
		})
		CartMutationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_mutation_total",
			Help:      "Count of cart operations by outcome.",
		}, []string{"op", "result"})
		CartRollbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_rollback_total",
			Help:      "Count of optimistic cart changes rolled back.",
		}, []string{"op"})
		CartCoalescedUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_coalesced_updates_total",
			Help:      "Quantity updates superseded before being sent to the backend.",
		})
		CartOrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_orders_total",
			Help:      "Count of order placement attempts by order type and outcome.",
		}, []string{"order_type", "result"})
		BackendRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_ms",
			Help:      "Latency of marketplace backend calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"endpoint", "result"})

		mustRegisterCollector(reg, CartMergeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartMergeTotal = v
			}
		})
		mustRegisterCollector(reg, CartMergeSkippedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				CartMergeSkippedTotal = v
			}
		})
		mustRegisterCollector(reg, CartMutationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartMutationTotal = v
			}
		})
		mustRegisterCollector(reg, CartRollbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartRollbackTotal = v
			}
		})
		mustRegisterCollector(reg, CartCoalescedUpdatesTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				CartCoalescedUpdatesTotal = v
			}
		})
		mustRegisterCollector(reg, CartOrdersTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CartOrdersTotal = v
			}
		})
		mustRegisterCollector(reg, BackendRequestLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				BackendRequestLatency = v
			}
		})
	})
}

// ObserveCartMerge records a cart load outcome and the number of skipped lines.
func ObserveCartMerge(result string, skipped int) {
	if CartMergeTotal != nil {
		CartMergeTotal.WithLabelValues(result).Inc()
	}
	if CartMergeSkippedTotal != nil && skipped > 0 {
		CartMergeSkippedTotal.Add(float64(skipped))
	}
}

// ObserveCartMutation records the outcome of an engine operation.
func ObserveCartMutation(op, result string) {
	if CartMutationTotal != nil {
		CartMutationTotal.WithLabelValues(op, result).Inc()
	}
}

// ObserveCartRollback records a rolled back optimistic change.
func ObserveCartRollback(op string) {
	if CartRollbackTotal != nil {
		CartRollbackTotal.WithLabelValues(op).Inc()
	}
}

// ObserveCoalescedUpdate records a quantity update replaced by a newer one.
func ObserveCoalescedUpdate() {
	if CartCoalescedUpdatesTotal != nil {
		CartCoalescedUpdatesTotal.Inc()
	}
}

// ObserveCartOrder records an order placement attempt.
func ObserveCartOrder(orderType, result string) {
	if CartOrdersTotal != nil {
		CartOrdersTotal.WithLabelValues(orderType, result).Inc()
	}
}

// ObserveBackendRequest records the latency of one backend call.
func ObserveBackendRequest(endpoint, result string, millis float64) {
	if BackendRequestLatency != nil {
		BackendRequestLatency.WithLabelValues(endpoint, result).Observe(millis)
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
