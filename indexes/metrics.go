package indexes

import "github.com/prometheus/client_golang/prometheus"

var RebuildTaskCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "anvil",
	Subsystem: "index_manager",
	Name:      "rebuild_tasks",
}, []string{"kind", "reason"})

var RebuildTaskStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "anvil",
	Subsystem: "index_manager",
	Name:      "rebuild_task_states",
}, []string{"kind"})

var RebuildResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "anvil",
	Subsystem: "index_manager",
	Name:      "rebuild_results",
}, []string{"kind", "result"})

var RebuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "anvil",
	Subsystem: "index_manager",
	Name:      "rebuild_duration",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"kind"})

var RollbackCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "anvil",
	Subsystem: "index_manager",
	Name:      "rollbacks",
}, []string{"kind", "result"})

var DirtyKinds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "anvil",
	Subsystem: "index_manager",
	Name:      "dirty_kinds",
}, []string{"kind"})

// Collectors returns the package's metric set for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RebuildTaskCount, RebuildTaskStates, RebuildResults,
		RebuildDuration, RollbackCount, DirtyKinds,
	}
}
