// Package metrics wraps the Prometheus collectors the bus exposes.
// Grounded on go-server-3/internal/metrics.Registry, sized down from a
// many-connection fan-out server's Connections/Messages groups to the
// handful of gauges/counters a single-socket client needs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the bus.
type Registry struct {
	ActiveRequestSubs prometheus.Gauge
	ActiveOrderSubs   prometheus.Gauge
	ActiveSharedSubs  prometheus.Gauge

	FramesRead    prometheus.Counter
	FramesWritten prometheus.Counter
	Reconnects    prometheus.Counter
	Warnings      prometheus.Counter
	DroppedFrames prometheus.Counter
}

// NewRegistry creates Prometheus collectors, registered against reg (or
// the default global registerer if reg is nil).
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Registry{
		ActiveRequestSubs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ibgw_active_request_subscriptions",
			Help: "Number of subscriptions currently registered by request id.",
		}),
		ActiveOrderSubs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ibgw_active_order_subscriptions",
			Help: "Number of subscriptions currently registered by order id.",
		}),
		ActiveSharedSubs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ibgw_active_shared_subscriptions",
			Help: "Number of shared-channel subscriptions currently installed.",
		}),
		FramesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "ibgw_frames_read_total",
			Help: "Total number of inbound frames read from the gateway socket.",
		}),
		FramesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "ibgw_frames_written_total",
			Help: "Total number of outbound frames written to the gateway socket.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ibgw_reconnects_total",
			Help: "Total number of successful reconnections to the gateway.",
		}),
		Warnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "ibgw_warnings_total",
			Help: "Total number of warning-range (2100-2169) error frames observed.",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "ibgw_dropped_frames_total",
			Help: "Total number of inbound frames dropped for lack of a recipient.",
		}),
	}
}

// Handler serves the default global Prometheus registry over HTTP, for
// embedding in a host application's own mux. It exposes these
// collectors only when NewRegistry registered them there (reg nil or
// prometheus.DefaultRegisterer); collectors on another registry are
// not served by it.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
