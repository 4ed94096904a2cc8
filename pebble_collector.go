package anvil

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(*pebble.Metrics) float64
}

// PebbleCollector exports substrate health: compactions, memtables and
// the WAL. Registered when Options.Metrics is set.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("anvil_pebble_"+name, help, nil, nil)
	}
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			{desc("compaction_count_total", "Compactions performed"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{desc("compaction_estimated_debt_bytes", "Bytes pending compaction to reach a stable state"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{desc("compaction_in_progress_bytes", "Bytes being compacted currently"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
			{desc("memtable_size_bytes", "Current memtable size"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{desc("memtable_count", "Current memtable count"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{desc("memtable_zombie_size_bytes", "Zombie memtable bytes"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.ZombieSize) }},
			{desc("wal_files", "Live WAL files"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
			{desc("wal_size_bytes", "Live WAL bytes"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
			{desc("wal_bytes_in_total", "Logical bytes written to the WAL"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }},
			{desc("wal_bytes_written_total", "Physical bytes written to the WAL"),
				prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
			{desc("disk_usage_bytes", "Total disk space used by the store"),
				prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }},
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(metrics))
	}
}
