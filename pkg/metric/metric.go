// Package metric exposes prometheus collectors for the flow engine and HAL.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors shared by the engine and the hardware layer.
// A Metrics value is safe for concurrent use.
type Metrics struct {
	NodeExecutions  *prometheus.CounterVec
	NodeErrors      *prometheus.CounterVec
	BoardReconnects *prometheus.CounterVec
	BoardState      *prometheus.GaugeVec
	FlowRunning     prometheus.Gauge
	PinAllocations  prometheus.Gauge
}

// New registers the labflow collectors with reg and returns them. Passing a
// fresh prometheus.NewRegistry() keeps engine instances isolated under test.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		NodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labflow",
			Name:      "node_executions_total",
			Help:      "Number of node executions, by node type.",
		}, []string{"node_type"}),
		NodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labflow",
			Name:      "node_errors_total",
			Help:      "Number of node execution failures, by node type.",
		}, []string{"node_type"}),
		BoardReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labflow",
			Name:      "board_reconnect_attempts_total",
			Help:      "Number of automatic board reconnection attempts, by board.",
		}, []string{"board_id"}),
		BoardState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "labflow",
			Name:      "board_connected",
			Help:      "1 when the board is connected, 0 otherwise.",
		}, []string{"board_id"}),
		FlowRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "labflow",
			Name:      "flow_running",
			Help:      "1 while the flow engine is running.",
		}),
		PinAllocations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "labflow",
			Name:      "pin_allocations",
			Help:      "Number of physical pins currently allocated to devices.",
		}),
	}
}
