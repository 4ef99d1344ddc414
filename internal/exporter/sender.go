// Package exporter delivers queue units to a remote shard over pooled
// connections and classifies what went wrong when it cannot.
package exporter

import (
	"context"
	"iter"
	"time"

	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/queue"
)

// Connection is one usable link to the remote shard.
type Connection interface {
	// SendBlocks streams blocks as one transfer and waits for the
	// acknowledgement. An error yielded by blocks aborts the transfer and is
	// returned wrapped.
	SendBlocks(ctx context.Context, blocks iter.Seq2[*block.Block, error]) error
	// Release returns the connection to its pool with the outcome of the send.
	Release(err error)
}

// ConnectionPool yields connections to one remote shard. Acquire may retry
// or fail over internally.
type ConnectionPool interface {
	Acquire(ctx context.Context) (Connection, error)
}

// Result describes a delivered unit.
type Result struct {
	// Paths lists what may now be deleted: members, then the batch descriptor.
	Paths     []string
	Files     int
	Rows      uint64
	Bytes     uint64
	DiskBytes int64
	Batch     bool
}

// Sender transmits units through a ConnectionPool.
type Sender struct {
	pool    ConnectionPool
	timeout time.Duration
	quit    func() bool
}

// NewSender creates a Sender. Each send is bounded by timeout when it is
// positive. quit is polled before and after acquiring a connection.
func NewSender(pool ConnectionPool, timeout time.Duration, quit func() bool) *Sender {
	if quit == nil {
		quit = func() bool { return false }
	}
	return &Sender{pool: pool, timeout: timeout, quit: quit}
}

// Send delivers one unit. The returned error is always a *SendError.
func (s *Sender) Send(ctx context.Context, unit queue.Unit) (Result, error) {
	if s.quit() {
		return Result{}, Classify(ErrCanceled)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return Result{}, Classify(err)
	}
	if s.quit() {
		conn.Release(nil)
		return Result{}, Classify(ErrCanceled)
	}

	err = conn.SendBlocks(ctx, unit.Blocks())
	conn.Release(err)
	if err != nil {
		return Result{}, Classify(err)
	}

	rows, bytes := unit.Counts()
	return Result{
		Paths:     unit.Paths(),
		Files:     len(unit.Files),
		Rows:      rows,
		Bytes:     bytes,
		DiskBytes: unit.DiskBytes(),
		Batch:     unit.IsBatch(),
	}, nil
}
