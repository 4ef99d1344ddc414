package config

import (
	"time"

	"github.com/szibis/shard-relay/internal/compression"
	"github.com/szibis/shard-relay/internal/monitor"
	"github.com/szibis/shard-relay/internal/queue"
	"github.com/szibis/shard-relay/internal/relay"
	"github.com/szibis/shard-relay/internal/transport"
)

// MonitorConfig returns the monitor settings of shard s, its overrides applied.
func (c *Config) MonitorConfig(s ShardConfig) monitor.Config {
	m := c.Monitor
	cfg := monitor.Config{
		Shard: s.Name,
		Path:  s.Path,
		Batch: queue.BatchConfig{
			MinRows:  m.BatchMinRows,
			MinBytes: uint64(max(m.BatchMinBytes, 0)),
			DirFsync: m.DirFsync,
		},
		DefaultSleep:      time.Duration(m.DefaultSleep),
		MaxSleep:          time.Duration(m.MaxSleep),
		BackoffMultiplier: m.BackoffMultiplier,
		DecayPeriod:       time.Duration(m.DecayPeriod),
		SendTimeout:       time.Duration(m.SendTimeout),
	}
	if o := s.Monitor; o != nil {
		if o.BatchMinRows != nil {
			cfg.Batch.MinRows = *o.BatchMinRows
		}
		if o.BatchMinBytes != nil {
			cfg.Batch.MinBytes = uint64(max(*o.BatchMinBytes, 0))
		}
		if o.DefaultSleep != nil {
			cfg.DefaultSleep = time.Duration(*o.DefaultSleep)
		}
		if o.MaxSleep != nil {
			cfg.MaxSleep = time.Duration(*o.MaxSleep)
		}
		if o.SendTimeout != nil {
			cfg.SendTimeout = time.Duration(*o.SendTimeout)
		}
	}
	return cfg
}

// BlockCompression returns the compression of queued block payloads.
func (c *Config) BlockCompression() compression.Config {
	t, _ := compression.ParseType(c.Monitor.BlockCompression)
	return compression.Config{Type: t, Level: compression.Level(c.Monitor.BlockCompressionLevel)}
}

// PoolConfig returns the connection pool template shared by every shard.
func (c *Config) PoolConfig() transport.PoolConfig {
	return transport.PoolConfig{
		Source:                     c.Source,
		TLS:                        c.Client.TLS,
		Auth:                       c.Client.Auth,
		Compression:                c.Client.Compression,
		CircuitBreakerThreshold:    c.CircuitBreaker.Threshold,
		CircuitBreakerResetTimeout: time.Duration(c.CircuitBreaker.ResetTimeout),
		MaxMessageSize:             int(c.Client.MaxMessageSize),
	}
}

// RelayConfig returns the relay manager configuration.
func (c *Config) RelayConfig() relay.Config {
	cfg := relay.Config{
		DataPath:          c.DataPath,
		BlockCompression:  c.BlockCompression(),
		SchedulerPoolSize: c.Scheduler.PoolSize,
		ErrorThreshold:    c.Health.ErrorThreshold,
		Client:            c.PoolConfig(),
	}
	for _, s := range c.Shards {
		cfg.Shards = append(cfg.Shards, relay.ShardConfig{
			Name:     s.Name,
			Replicas: s.Replicas,
			Weight:   s.RoutingWeight(),
			Monitor:  c.MonitorConfig(s),
		})
	}
	return cfg
}

// ServerConfig returns the receiver server configuration.
func (c *Config) ServerConfig() transport.ServerConfig {
	return transport.ServerConfig{
		Addr:           c.Receiver.Address,
		TLS:            c.Receiver.TLS,
		Auth:           c.Receiver.Auth,
		MaxMessageSize: int(c.Receiver.MaxMessageSize),
	}
}
