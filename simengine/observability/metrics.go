// Package observability provides Prometheus metrics instrumentation for the
// simulation engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agorasim-collective/marketcore/marketmsg"
)

// =============================================================================
// DELIVERY METRICS
// =============================================================================

var (
	messagesDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketcore_messages_delivered_total",
			Help: "Total messages moved from outboxes into inboxes",
		},
		[]string{"kind"},
	)

	deliveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketcore_delivery_failures_total",
			Help: "Total deliveries rejected by the router",
		},
		[]string{"kind"},
	)

	deliveryBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketcore_delivery_batch_size",
			Help:    "Deliveries per partition batch in partitioned runs",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)
)

// =============================================================================
// MARKET METRICS
// =============================================================================

var (
	tradesClearedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketcore_trades_cleared_total",
			Help: "Total accepted offers recorded by dispatchers",
		},
		[]string{"good"},
	)

	auditViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketcore_audit_violations_total",
			Help: "Total end-of-round audit failures",
		},
		[]string{"reason"},
	)

	openOffers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketcore_open_offers",
			Help: "Offers sitting unanswered in agent books at round end",
		},
		[]string{"group"},
	)
)

// =============================================================================
// ROUND METRICS
// =============================================================================

var (
	roundDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketcore_round_duration_seconds",
			Help:    "Wall time per simulation round",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	roundsCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketcore_rounds_completed_total",
			Help: "Rounds closed by a successful audit",
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordMessageDelivered records one routed delivery.
// Called by the metrics middleware after the router appends to an inbox.
func RecordMessageDelivered(kind string) {
	messagesDeliveredTotal.WithLabelValues(kind).Inc()
}

// RecordDeliveryFailure records a delivery the router rejected.
func RecordDeliveryFailure(kind string) {
	deliveryFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordDeliveryBatch records the size of one partition exchange batch.
func RecordDeliveryBatch(size int) {
	deliveryBatchSize.Observe(float64(size))
}

// RecordTradeCleared records one cleared trade.
func RecordTradeCleared(good string) {
	tradesClearedTotal.WithLabelValues(good).Inc()
}

// RecordAuditViolation records an end-of-round audit failure.
func RecordAuditViolation(reason string) {
	auditViolationsTotal.WithLabelValues(reason).Inc()
}

// SetOpenOffers sets the unanswered-offer gauge for one agent group.
func SetOpenOffers(group string, count int) {
	openOffers.WithLabelValues(group).Set(float64(count))
}

// RecordRoundCompleted records round completion metrics.
// This should be called after the round audit passes.
func RecordRoundCompleted(durationMS int) {
	roundsCompletedTotal.Inc()
	roundDurationSeconds.Observe(float64(durationMS) / 1000.0)
}

// =============================================================================
// PROTOCOL BRIDGES
// =============================================================================

// PromTradeRecorder is a marketmsg.TradeRecorder that feeds the trade
// counters. Identity labels are dropped: per-agent label cardinality does
// not belong in Prometheus.
type PromTradeRecorder struct{}

var _ marketmsg.TradeRecorder = PromTradeRecorder{}

// RecordTrade implements marketmsg.TradeRecorder.
func (PromTradeRecorder) RecordTrade(round int, good string, quantity, price float64, buyer, seller string) {
	RecordTradeCleared(good)
}

// MetricsMiddleware is a marketmsg.DeliveryMiddleware that counts routed
// deliveries by kind.
type MetricsMiddleware struct{}

var _ marketmsg.DeliveryMiddleware = MetricsMiddleware{}

// Before implements marketmsg.DeliveryMiddleware.
func (MetricsMiddleware) Before(delivery marketmsg.Delivery) (marketmsg.Delivery, error) {
	return delivery, nil
}

// After implements marketmsg.DeliveryMiddleware.
func (MetricsMiddleware) After(delivery marketmsg.Delivery, err error) {
	if err != nil {
		RecordDeliveryFailure(string(delivery.Kind))
		return
	}
	RecordMessageDelivered(string(delivery.Kind))
}
