package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkqueue_push_total",
		Help: "Total number of records pushed to disk queues",
	}, []string{"discipline"})

	popTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkqueue_pop_total",
		Help: "Total number of records popped from disk queues",
	}, []string{"discipline"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chunkqueue_rejected_records_total",
		Help: "Total number of records rejected at push time by reason",
	}, []string{"reason"})

	chunkRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkqueue_chunk_rotations_total",
		Help: "Total number of tail chunk rotations",
	})

	chunkRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkqueue_chunk_removals_total",
		Help: "Total number of chunk files removed after consumption",
	})

	metaSyncTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkqueue_meta_sync_total",
		Help: "Total number of metadata persists",
	})

	recoveredRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkqueue_recovered_records_total",
		Help: "Records found on disk beyond the persisted metadata during recovery",
	})

	truncatedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chunkqueue_truncated_records_total",
		Help: "Torn records encountered at the end of a chunk",
	})

	openQueues = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chunkqueue_open_queues",
		Help: "Number of disk queues currently open in this process",
	})
)

func init() {
	prometheus.MustRegister(pushTotal)
	prometheus.MustRegister(popTotal)
	prometheus.MustRegister(rejectedTotal)
	prometheus.MustRegister(chunkRotations)
	prometheus.MustRegister(chunkRemovals)
	prometheus.MustRegister(metaSyncTotal)
	prometheus.MustRegister(recoveredRecords)
	prometheus.MustRegister(truncatedRecords)
	prometheus.MustRegister(openQueues)
}
