package sharding

import "github.com/prometheus/client_golang/prometheus"

var shardingRoutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "shard_relay_sharding_routed_total",
	Help: "Total keyed inserts routed to each shard",
}, []string{"shard"})

func init() {
	prometheus.MustRegister(shardingRoutedTotal)
}
