// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// ConnectAttempts counts session opens by device and result.
	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miio_connect_attempts_total",
			Help: "Device session connect attempts by device and result.",
		},
		[]string{"device", "result"},
	)

	// Polls counts poll ticks by device and result.
	Polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miio_polls_total",
			Help: "Device poll ticks by device and result.",
		},
		[]string{"device", "result"},
	)

	// ReconnectsScheduled counts scheduled reconnects by reason
	// (connect_failed, poll_failed, refresh, unreachable_command).
	ReconnectsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miio_reconnects_scheduled_total",
			Help: "Reconnects scheduled by device and reason.",
		},
		[]string{"device", "reason"},
	)

	// HubEvents counts inbound gateway events as routed or dropped.
	HubEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miio_hub_events_total",
			Help: "Inbound gateway events by outcome.",
		},
		[]string{"outcome"},
	)

	// HubWrites counts outbound sub-device writes by result.
	HubWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miio_hub_writes_total",
			Help: "Outbound sub-device writes by result.",
		},
		[]string{"result"},
	)

	// GatewaysConnected is the number of gateways in the registry.
	GatewaysConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "miio_gateways_connected",
			Help: "Gateways currently held in the registry.",
		},
	)

	// HTTPRequests counts API requests by route pattern, method and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miio_http_requests_total",
			Help: "API requests by route, method and status.",
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectAttempts,
		Polls,
		ReconnectsScheduled,
		HubEvents,
		HubWrites,
		GatewaysConnected,
		HTTPRequests,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
