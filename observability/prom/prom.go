// Package prom exports router metrics to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wirefold/wsrouter/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RouterObserver exports router metrics to Prometheus.
type RouterObserver struct {
	connGauge     prometheus.Gauge
	closeTotal    *prometheus.CounterVec
	messageTotal  *prometheus.CounterVec
	rpcStarted    prometheus.Counter
	rpcFinished   *prometheus.CounterVec
	rpcDuration   prometheus.Histogram
	rpcInflight   prometheus.Gauge
	sendDropTotal *prometheus.CounterVec
	publishTotal  *prometheus.CounterVec
	staleTotal    prometheus.Counter
}

// NewRouterObserver registers router metrics on the registry.
func NewRouterObserver(reg *prometheus.Registry) *RouterObserver {
	o := &RouterObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsrouter_connections",
			Help: "Current routed connection count.",
		}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrouter_close_total",
			Help: "Connection close reasons.",
		}, []string{"reason"}),
		messageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrouter_messages_total",
			Help: "Inbound frames by pipeline result.",
		}, []string{"result"}),
		rpcStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsrouter_rpc_started_total",
			Help: "Admitted RPC requests.",
		}),
		rpcFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrouter_rpc_finished_total",
			Help: "Terminal RPC outcomes.",
		}, []string{"result"}),
		rpcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsrouter_rpc_duration_seconds",
			Help:    "RPC latency from admission to terminal frame.",
			Buckets: prometheus.DefBuckets,
		}),
		rpcInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsrouter_rpc_inflight",
			Help: "Currently pending RPC records.",
		}),
		sendDropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrouter_send_dropped_total",
			Help: "Suppressed or dropped outbound frames.",
		}, []string{"reason"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrouter_publish_total",
			Help: "Publish gateway outcomes.",
		}, []string{"result"}),
		staleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsrouter_heartbeat_stale_total",
			Help: "Connections closed for heartbeat timeout.",
		}),
	}
	reg.MustRegister(
		o.connGauge,
		o.closeTotal,
		o.messageTotal,
		o.rpcStarted,
		o.rpcFinished,
		o.rpcDuration,
		o.rpcInflight,
		o.sendDropTotal,
		o.publishTotal,
		o.staleTotal,
	)
	return o
}

func (o *RouterObserver) ConnCount(n int64) {
	o.connGauge.Set(float64(n))
}

func (o *RouterObserver) ConnClosed(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *RouterObserver) Message(result observability.MessageResult) {
	o.messageTotal.WithLabelValues(string(result)).Inc()
}

func (o *RouterObserver) RPCStarted() {
	o.rpcStarted.Inc()
}

func (o *RouterObserver) RPCFinished(result observability.RPCResult, d time.Duration) {
	o.rpcFinished.WithLabelValues(string(result)).Inc()
	o.rpcDuration.Observe(d.Seconds())
}

func (o *RouterObserver) RPCInflight(n int) {
	o.rpcInflight.Set(float64(n))
}

func (o *RouterObserver) SendDropped(reason observability.SendDrop) {
	o.sendDropTotal.WithLabelValues(string(reason)).Inc()
}

func (o *RouterObserver) Publish(result observability.PublishResult) {
	o.publishTotal.WithLabelValues(string(result)).Inc()
}

func (o *RouterObserver) HeartbeatStale() {
	o.staleTotal.Inc()
}
