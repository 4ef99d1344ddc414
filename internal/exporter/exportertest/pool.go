// Package exportertest provides an in-memory ConnectionPool that records
// every transfer, for tests of code that sends queue units.
package exportertest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/exporter"
)

// FailFunc decides the outcome of transfer attempt n (1-based) carrying blocks.
type FailFunc func(attempt int, blocks []*block.Block) error

// Pool records delivered transfers.
type Pool struct {
	mu         sync.Mutex
	transfers  [][]*block.Block
	attempts   int
	acquireErr error
	fail       FailFunc
	gate       chan struct{}
	started    chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	released    atomic.Int32
	closed      atomic.Bool
}

// NewPool returns a pool that accepts every transfer.
func NewPool() *Pool {
	return &Pool{}
}

// SetAcquireError makes Acquire fail with err until reset with nil.
func (p *Pool) SetAcquireError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireErr = err
}

// SetFail installs f to decide the outcome of each transfer.
func (p *Pool) SetFail(f FailFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = f
}

// Hold makes transfers wait until Unblock is called. started receives one
// value each time a transfer begins waiting.
func (p *Pool) Hold() (started <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	p.started = make(chan struct{}, 64)
	return p.started
}

// Unblock releases held transfers.
func (p *Pool) Unblock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
}

// Acquire implements exporter.ConnectionPool.
func (p *Pool) Acquire(ctx context.Context) (exporter.Connection, error) {
	p.mu.Lock()
	err := p.acquireErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if p.closed.Load() {
		return nil, errors.New("pool closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{pool: p}, nil
}

// Close makes later Acquire calls fail.
func (p *Pool) Close() error {
	p.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	return p.closed.Load()
}

// Transfers returns the delivered transfers in order.
func (p *Pool) Transfers() [][]*block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]*block.Block(nil), p.transfers...)
}

// Attempts returns the number of transfers started, failed ones included.
func (p *Pool) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// MaxInFlight returns the highest number of concurrent transfers observed.
func (p *Pool) MaxInFlight() int {
	return int(p.maxInFlight.Load())
}

// Released returns how many connections were given back.
func (p *Pool) Released() int {
	return int(p.released.Load())
}

type conn struct {
	pool *Pool
}

func (c *conn) SendBlocks(ctx context.Context, blocks iter.Seq2[*block.Block, error]) error {
	p := c.pool
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxInFlight.Load()
		if n <= cur || p.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	var got []*block.Block
	for b, err := range blocks {
		if err != nil {
			return fmt.Errorf("read block: %w", err)
		}
		got = append(got, b)
	}

	p.mu.Lock()
	p.attempts++
	attempt := p.attempts
	fail := p.fail
	gate := p.gate
	started := p.started
	p.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if fail != nil {
		if err := fail(attempt, got); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.transfers = append(p.transfers, got)
	p.mu.Unlock()
	return nil
}

func (c *conn) Release(error) {
	c.pool.released.Add(1)
}
