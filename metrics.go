package rtsync

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/autom8ter/rtsync/errors"
)

const metricsNamespace = "rtsync"

type metrics struct {
	eventsReceived  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	cacheErrors     *prometheus.CounterVec
	retries         *prometheus.CounterVec
	failures        *prometheus.CounterVec
	activeChannels  prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, activeChannels func() float64) (*metrics, error) {
	m := &metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Change events delivered by transports.",
		}, []string{"table", "type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Change events dropped before reconciliation.",
		}, []string{"table", "reason"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation passes run against the query cache.",
		}, []string{"table", "type", "strategy"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_errors_total",
			Help:      "Failed query cache calls.",
		}, []string{"table", "op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_retries_total",
			Help:      "Scheduled channel reconnects.",
		}, []string{"table"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_failures_total",
			Help:      "Channels removed after exhausting their retries.",
		}, []string{"table"}),
		activeChannels: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_channels",
			Help:      "Channels that completed their handshake.",
		}, activeChannels),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.eventsReceived,
		m.eventsDropped,
		m.reconciliations,
		m.cacheErrors,
		m.retries,
		m.failures,
		m.activeChannels,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, errors.Conflict, "failed to register metrics")
		}
	}
	return m, nil
}

func (m *metrics) received(e ChangeEvent) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(e.Table, string(e.Type)).Inc()
}

func (m *metrics) dropped(table, reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(table, reason).Inc()
}

func (m *metrics) reconciled(e ChangeEvent, strategy Strategy) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(e.Table, string(e.Type), strategy.String()).Inc()
}

func (m *metrics) cacheError(table, op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(table, op).Inc()
}

func (m *metrics) retry(table string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(table).Inc()
}

func (m *metrics) failure(table string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(table).Inc()
}
