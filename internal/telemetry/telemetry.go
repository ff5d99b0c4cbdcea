// File: internal/telemetry/telemetry.go
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinwatch_samples_total",
		Help: "Accepted minute samples appended to ring buffers.",
	})

	SamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinwatch_samples_dropped_total",
		Help: "Samples dropped: out-of-order, duplicate or untracked symbol.",
	})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinwatch_decode_errors_total",
		Help: "Malformed stream frames discarded.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinwatch_stream_reconnects_total",
		Help: "Unexpected stream closes that entered the reconnect path.",
	})

	AlertsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinwatch_alerts_fired_total",
		Help: "Alerts produced by the rule evaluator.",
	})

	TrackedSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinwatch_tracked_symbols",
		Help: "Symbols currently tracked by the stream manager.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler { return promhttp.Handler() }
