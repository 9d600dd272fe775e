package toolrunner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Subsystem: "tools",
		Name:      "calls_total",
		Help:      "Tool calls by outcome (ok, failed, skipped, blocked, loop).",
	}, []string{"tool", "outcome"})
	metricDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quarry",
		Subsystem: "tools",
		Name:      "call_duration_seconds",
		Help:      "Tool execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})
)
