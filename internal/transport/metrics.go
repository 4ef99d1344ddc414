package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transfersSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_transport_transfers_total",
		Help: "Total number of block transfers attempted, by replica and result",
	}, []string{"replica", "result"})

	replicaErrors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_relay_transport_replica_errors",
		Help: "Consecutive transport errors of a replica, used for failover ordering",
	}, []string{"replica"})

	receiverTransfersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shard_relay_receiver_transfers_total",
		Help: "Total number of transfers committed by the receiver",
	})

	receiverBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shard_relay_receiver_blocks_total",
		Help: "Total number of blocks committed by the receiver",
	})

	receiverRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shard_relay_receiver_rows_total",
		Help: "Total number of rows committed by the receiver",
	})

	receiverDuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shard_relay_receiver_duplicate_transfers_total",
		Help: "Total number of transfers skipped whose content was already committed",
	})

	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_relay_receiver_errors_total",
		Help: "Total number of receiver errors",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(transfersSentTotal)
	prometheus.MustRegister(replicaErrors)
	prometheus.MustRegister(receiverTransfersTotal)
	prometheus.MustRegister(receiverBlocksTotal)
	prometheus.MustRegister(receiverRowsTotal)
	prometheus.MustRegister(receiverDuplicatesTotal)
	prometheus.MustRegister(receiverErrorsTotal)

	// Initialize counters with 0 so they appear in /metrics immediately
	receiverErrorsTotal.WithLabelValues("read").Add(0)
	receiverErrorsTotal.WithLabelValues("decode").Add(0)
	receiverErrorsTotal.WithLabelValues("commit").Add(0)
}

func recordTransfer(replica, result string) {
	transfersSentTotal.WithLabelValues(replica, result).Inc()
}

func setReplicaErrors(replica string, n uint64) {
	replicaErrors.WithLabelValues(replica).Set(float64(n))
}

func incrementReceiverError(errorType string) {
	receiverErrorsTotal.WithLabelValues(errorType).Inc()
}

func recordCommitted(blocks int, rows uint64) {
	receiverTransfersTotal.Inc()
	receiverBlocksTotal.Add(float64(blocks))
	receiverRowsTotal.Add(float64(rows))
}
