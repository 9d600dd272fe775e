package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Name:      "telemetry_events_dropped_total",
		Help:      "Events dropped because a subscriber could not keep up.",
	})
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Name:      "agent_runs_total",
		Help:      "Agent runs by final status.",
	}, []string{"status"})
	metricIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quarry",
		Name:      "agent_iterations",
		Help:      "Iterations used per agent run.",
		Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
	})
	metricContextCleared = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quarry",
		Name:      "context_results_cleared_total",
		Help:      "Tool results evicted from the prompt view.",
	})
	metricTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quarry",
		Name:      "tasks_total",
		Help:      "Task graph tasks by final status.",
	}, []string{"status"})
)

func recordDroppedEvent() {
	metricEventsDropped.Inc()
}

// RecordRun counts a finished agent run.
func RecordRun(status string, iterations int) {
	metricRuns.WithLabelValues(status).Inc()
	metricIterations.Observe(float64(iterations))
}

// RecordContextCleared counts results evicted from the prompt view.
func RecordContextCleared(count int) {
	if count > 0 {
		metricContextCleared.Add(float64(count))
	}
}

// RecordTask counts a task reaching a terminal status.
func RecordTask(status string) {
	metricTasks.WithLabelValues(status).Inc()
}
