// Package prommetrics exposes engine and sync activity as Prometheus metrics.
package prommetrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Observer implements entitle.Observer using Prometheus.
type Observer struct {
	eventsReceivedTotal *prometheus.CounterVec
	eventsHandledTotal  *prometheus.CounterVec
	eventsSkippedTotal  *prometheus.CounterVec
	eventsUnresolved    *prometheus.CounterVec
	eventsFailedTotal   *prometheus.CounterVec
	handleDuration      *prometheus.HistogramVec
	entitlementWrites   *prometheus.CounterVec
	syncTotal           *prometheus.CounterVec
	syncDuration        prometheus.Histogram
}

var _ entitle.Observer = (*Observer)(nil)

// NewObserver creates a Prometheus observer registered with reg.
func NewObserver(reg prometheus.Registerer, namespace string) *Observer {
	factory := promauto.With(reg)

	return &Observer{
		eventsReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_received_total",
			Help:      "Total number of billing events received.",
		}, []string{"event_type"}),

		eventsHandledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_handled_total",
			Help:      "Total number of billing events handled, by outcome.",
		}, []string{"event_type", "outcome"}),

		eventsSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_skipped_total",
			Help:      "Total number of skipped billing events, by reason.",
		}, []string{"reason"}),

		eventsUnresolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_unresolved_total",
			Help:      "Total number of billing events that could not be linked to a user.",
		}, []string{"event_type"}),

		eventsFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_failed_total",
			Help:      "Total number of billing events that failed and were left unprocessed.",
		}, []string{"event_type"}),

		handleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_event_handle_duration_seconds",
			Help:      "Latency of billing event handling.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		entitlementWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_writes_total",
			Help:      "Total number of entitlement writes from billing events, by resulting status.",
		}, []string{"status", "is_pro"}),

		syncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entitlement_sync_total",
			Help:      "Total number of pull reconciliations.",
		}, []string{"result"}),

		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entitlement_sync_duration_seconds",
			Help:      "Latency of pull reconciliations.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (o *Observer) EventReceived(_ context.Context, event *entitle.BillingEvent) {
	o.eventsReceivedTotal.WithLabelValues(string(event.Type)).Inc()
}

func (o *Observer) EventResolved(context.Context, *entitle.BillingEvent, string) {}

func (o *Observer) EventApplied(_ context.Context, _ *entitle.BillingEvent, _ string, update entitle.ProfileUpdate) {
	if update.Entitlement == nil {
		return
	}
	o.entitlementWrites.WithLabelValues(
		statusLabel(update.Entitlement.Status),
		strconv.FormatBool(update.Entitlement.IsPro),
	).Inc()
}

func (o *Observer) EventSkipped(_ context.Context, _ *entitle.BillingEvent, reason entitle.SkipReason) {
	o.eventsSkippedTotal.WithLabelValues(string(reason)).Inc()
}

func (o *Observer) EventUnresolved(_ context.Context, event *entitle.BillingEvent) {
	o.eventsUnresolved.WithLabelValues(string(event.Type)).Inc()
}

func (o *Observer) EventFailed(_ context.Context, event *entitle.BillingEvent, _ error) {
	o.eventsFailedTotal.WithLabelValues(string(event.Type)).Inc()
}

func (o *Observer) EventHandled(_ context.Context, event *entitle.BillingEvent, kind entitle.OutcomeKind, d time.Duration) {
	o.eventsHandledTotal.WithLabelValues(string(event.Type), string(kind)).Inc()
	o.handleDuration.WithLabelValues(string(event.Type)).Observe(d.Seconds())
}

func (o *Observer) SyncCompleted(_ context.Context, _ string, result entitle.SyncResult, d time.Duration, err error) {
	label := "error"
	switch {
	case err != nil:
	case !result.FoundCustomer:
		label = "no_customer"
	case result.IsPro:
		label = "pro"
	default:
		label = "free"
	}
	o.syncTotal.WithLabelValues(label).Inc()
	o.syncDuration.Observe(d.Seconds())
}

// statusLabel keeps label cardinality bounded for unknown provider statuses.
func statusLabel(status entitle.Status) string {
	switch status {
	case entitle.StatusActive, entitle.StatusTrialing, entitle.StatusPastDue, entitle.StatusCanceled:
		return string(status)
	case "":
		return "none"
	default:
		return "other"
	}
}
