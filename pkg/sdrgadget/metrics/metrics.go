// Package metrics exports per-direction transfer counters. A nil *Metrics
// is valid and counts nothing, so components never need to guard their
// accounting calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	transfers      *prometheus.CounterVec
	transferBytes  *prometheus.CounterVec
	transferErrors *prometheus.CounterVec
	overflows      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrgadget",
			Name:      "transfers_total",
			Help:      "Completed USB bulk transfers.",
		}, []string{"direction"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrgadget",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved over the USB bulk endpoints.",
		}, []string{"direction"}),
		transferErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrgadget",
			Name:      "transfer_errors_total",
			Help:      "Transfers that completed short or failed (excluding endpoint-disabled).",
		}, []string{"direction"}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdrgadget",
			Name:      "overflows_total",
			Help:      "Sample buffers dropped (RX) or short hardware pushes (TX).",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(m.transfers, m.transferBytes, m.transferErrors, m.overflows)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CountTransfer(direction string, bytes int) {
	if m == nil {
		return
	}

	m.transfers.WithLabelValues(direction).Inc()
	m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) CountTransferError(direction string) {
	if m == nil {
		return
	}

	m.transferErrors.WithLabelValues(direction).Inc()
}

func (m *Metrics) CountOverflow(direction string) {
	if m == nil {
		return
	}

	m.overflows.WithLabelValues(direction).Inc()
}
