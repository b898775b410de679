package rpc

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
)

var (
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cspybridge",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Outbound engine RPC calls by service, method and outcome.",
	}, []string{"service", "method", "outcome"})
	metricCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cspybridge",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Latency of outbound engine RPC calls.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"service", "method"})
	metricServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cspybridge",
		Subsystem: "rpc",
		Name:      "served_total",
		Help:      "Inbound calls handled by locally hosted services.",
	}, []string{"service", "method"})
)

func outcome(err error) string {
	var engineErr *cspy.EngineError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &engineErr):
		return "engine_error"
	default:
		return "error"
	}
}

func observeCall(service, method string, d time.Duration, err error) {
	metricCalls.WithLabelValues(service, method, outcome(err)).Inc()
	metricCallDuration.WithLabelValues(service, method).Observe(d.Seconds())
}
