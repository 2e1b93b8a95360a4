package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	activeExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "miniagent_active_executions",
			Help: "Number of task executions currently in flight.",
		},
	)

	tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniagent_tasks_finished_total",
			Help: "Total number of tasks by terminal status.",
		},
		[]string{"status"},
	)

	stepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "miniagent_steps_total",
			Help: "Total number of agent steps executed.",
		},
	)
)

func init() {
	prometheus.MustRegister(activeExecutions)
	prometheus.MustRegister(tasksFinishedTotal)
	prometheus.MustRegister(stepsTotal)
}
