package listwindow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cspybridge",
		Subsystem: "listwindow",
		Name:      "updates_total",
		Help:      "Mirror updates applied, by window, kind and outcome.",
	}, []string{"window", "kind", "outcome"})

	metricCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cspybridge",
		Subsystem: "listwindow",
		Name:      "notes_coalesced_total",
		Help:      "Update notifications folded into another update.",
	}, []string{"window"})

	metricRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cspybridge",
		Subsystem: "listwindow",
		Name:      "rows",
		Help:      "Rows currently mirrored, by window.",
	}, []string{"window"})
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
