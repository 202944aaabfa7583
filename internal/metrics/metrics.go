// Package metrics exposes node counters to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p2pshare"

// Metrics holds the node's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	announcements *prometheus.CounterVec
	fetchAttempts *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	served        *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
}

// New registers the node's collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_total",
			Help:      "Provider announcements to the content directory, by result.",
		}, []string{"result"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Per-provider fetch attempts, by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Completed fetch operations, by result.",
		}, []string{"result"}),
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "served_requests_total",
			Help:      "Inbound transfer requests, by response status.",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_deliveries_total",
			Help:      "Group envelopes received, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	m.registry.MustRegister(
		m.announcements,
		m.fetchAttempts,
		m.fetches,
		m.served,
		m.deliveries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Announcement counts a provide call.
func (m *Metrics) Announcement(err error) {
	if m == nil {
		return
	}
	m.announcements.WithLabelValues(resultLabel(err)).Inc()
}

// FetchAttempt counts one provider attempt with the given outcome label.
func (m *Metrics) FetchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(outcome).Inc()
}

// Fetch counts a finished fetch.
func (m *Metrics) Fetch(err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(resultLabel(err)).Inc()
}

// Served counts an answered transfer request.
func (m *Metrics) Served(status string) {
	if m == nil {
		return
	}
	m.served.WithLabelValues(status).Inc()
}

// Delivery counts a received group envelope.
func (m *Metrics) Delivery(kind, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, outcome).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
