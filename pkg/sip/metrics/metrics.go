// Package metrics exposes optional Prometheus instrumentation for the
// transaction, dialog, and auth layers. A nil *Collector is valid
// everywhere and turns every record call into a no-op, so the layers
// never need to branch on whether metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the metric set for one facade instance.
type Collector struct {
	transactionsTotal  *prometheus.CounterVec
	transactionsActive prometheus.Gauge
	retransmitsTotal   prometheus.Counter
	timeoutsTotal      prometheus.Counter

	dialogsTotal  prometheus.Counter
	dialogsActive prometheus.Gauge

	authRetriesTotal  prometheus.Counter
	authFailuresTotal prometheus.Counter

	refreshesTotal prometheus.Counter
}

// New builds a Collector registered on reg. Pass
// prometheus.DefaultRegisterer to use the process-wide registry, or a
// dedicated registry to keep the facade self-contained.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "uac", Name: "transactions_total",
			Help: "Client transactions created, by kind.",
		}, []string{"kind"}),
		transactionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip", Subsystem: "uac", Name: "transactions_active",
			Help: "Client transactions not yet terminated.",
		}),
		retransmitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "uac", Name: "retransmits_total",
			Help: "Request retransmissions sent by Timer A/E.",
		}),
		timeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "uac", Name: "transaction_timeouts_total",
			Help: "Transactions that ended on Timer B/F.",
		}),
		dialogsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "uac", Name: "dialogs_total",
			Help: "Dialogs created (early or confirmed).",
		}),
		dialogsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip", Subsystem: "uac", Name: "dialogs_active",
			Help: "Dialogs not yet terminated.",
		}),
		authRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "uac", Name: "auth_retries_total",
			Help: "Requests re-issued with credentials after a 401/407.",
		}),
		authFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "uac", Name: "auth_failures_total",
			Help: "Authentication attempts that were refused again.",
		}),
		refreshesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "uac", Name: "register_refreshes_total",
			Help: "REGISTER refreshes issued by the scheduler.",
		}),
	}
}

func (c *Collector) TransactionStarted(kind string) {
	if c == nil {
		return
	}
	c.transactionsTotal.WithLabelValues(kind).Inc()
	c.transactionsActive.Inc()
}

func (c *Collector) TransactionTerminated() {
	if c == nil {
		return
	}
	c.transactionsActive.Dec()
}

func (c *Collector) Retransmit() {
	if c == nil {
		return
	}
	c.retransmitsTotal.Inc()
}

func (c *Collector) TransactionTimedOut() {
	if c == nil {
		return
	}
	c.timeoutsTotal.Inc()
}

func (c *Collector) DialogCreated() {
	if c == nil {
		return
	}
	c.dialogsTotal.Inc()
	c.dialogsActive.Inc()
}

func (c *Collector) DialogTerminated() {
	if c == nil {
		return
	}
	c.dialogsActive.Dec()
}

func (c *Collector) AuthRetry() {
	if c == nil {
		return
	}
	c.authRetriesTotal.Inc()
}

func (c *Collector) AuthFailure() {
	if c == nil {
		return
	}
	c.authFailuresTotal.Inc()
}

func (c *Collector) RegisterRefresh() {
	if c == nil {
		return
	}
	c.refreshesTotal.Inc()
}
