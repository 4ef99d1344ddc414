// Package relay owns the per-shard queues of a distributed table: for every
// remote shard it keeps a queue writer, a connection pool and a directory
// monitor, and exposes the administrative operations over them.
package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szibis/shard-relay/internal/compression"
	"github.com/szibis/shard-relay/internal/exporter"
	"github.com/szibis/shard-relay/internal/health"
	"github.com/szibis/shard-relay/internal/logging"
	"github.com/szibis/shard-relay/internal/monitor"
	"github.com/szibis/shard-relay/internal/queue"
	"github.com/szibis/shard-relay/internal/scheduler"
	"github.com/szibis/shard-relay/internal/sharding"
	"github.com/szibis/shard-relay/internal/transport"
)

var (
	// ErrUnknownShard is returned for a shard name that is not configured.
	ErrUnknownShard = errors.New("unknown shard")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("relay is closed")
)

// Pool is the connection pool of one shard.
type Pool interface {
	exporter.ConnectionPool
	io.Closer
}

// PoolFactory creates the pool of a shard.
type PoolFactory func(shard ShardConfig) (Pool, error)

// ShardConfig configures one remote shard.
type ShardConfig struct {
	Name     string
	Replicas []string
	// Weight is the share of keyed inserts routed to the shard. Zero
	// excludes the shard from routing.
	Weight uint32
	// Monitor overrides the shared monitor settings. Shard and Path are
	// filled in by the manager when empty.
	Monitor monitor.Config
}

// Config configures a Manager.
type Config struct {
	// DataPath holds one queue directory per shard.
	DataPath string
	// BlockCompression compresses block payloads written by Enqueue.
	BlockCompression compression.Config
	// SchedulerPoolSize bounds how many monitors run a pass at the same time.
	SchedulerPoolSize int
	// ErrorThreshold is the error count at which a shard is reported down.
	// Zero disables the check.
	ErrorThreshold uint64
	// Client is the template for every shard's transport pool.
	Client transport.PoolConfig
	Shards []ShardConfig
	// PoolFactory overrides how pools are created. Nil uses transport.NewPool.
	PoolFactory PoolFactory
	// Health receives one readiness check per shard when set.
	Health *health.Checker
}

// ShardStatus is the status of one shard.
type ShardStatus struct {
	monitor.Status
	Replicas []transport.ReplicaStatus `json:"replicas,omitempty"`
}

type shard struct {
	cfg     ShardConfig
	writer  *queue.Writer
	pool    Pool
	monitor *monitor.DirectoryMonitor
}

// Manager runs the monitors of every shard on a shared scheduler pool and
// a shared action blocker.
type Manager struct {
	cfg     Config
	blocker *monitor.ActionBlocker
	sched   *scheduler.Pool
	log     *logging.NamedLogger

	adminMu   sync.Mutex
	unblockFn func()

	mu     sync.RWMutex
	shards map[string]*shard
	// selector is nil when no shard takes keyed inserts.
	selector *sharding.Selector
	closed   bool
}

// New opens the queue of every shard and creates its pool and monitor.
// Monitors start draining on Start.
func New(cfg Config) (*Manager, error) {
	if cfg.DataPath == "" {
		return nil, errors.New("relay: data path is required")
	}
	if cfg.PoolFactory == nil {
		cfg.PoolFactory = transportPoolFactory(cfg.Client)
	}

	m := &Manager{
		cfg:     cfg,
		blocker: &monitor.ActionBlocker{},
		sched:   scheduler.NewPool(cfg.SchedulerPoolSize),
		log:     logging.Named("shard_relay.relay"),
		shards:  make(map[string]*shard, len(cfg.Shards)),
	}
	for _, sc := range cfg.Shards {
		if _, ok := m.shards[sc.Name]; ok {
			m.Close()
			return nil, fmt.Errorf("relay: duplicate shard %q", sc.Name)
		}
		s, err := m.openShard(sc)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("relay: shard %s: %w", sc.Name, err)
		}
		m.shards[sc.Name] = s
	}
	m.rebuildSelector()
	return m, nil
}

// rebuildSelector must be called with mu held for writing.
func (m *Manager) rebuildSelector() {
	var targets []sharding.Shard
	for _, sc := range m.cfg.Shards {
		if _, ok := m.shards[sc.Name]; ok {
			targets = append(targets, sharding.Shard{Name: sc.Name, Weight: sc.Weight})
		}
	}
	sel, err := sharding.NewSelector(targets)
	if err != nil {
		m.selector = nil
		return
	}
	m.selector = sel
}

func transportPoolFactory(tmpl transport.PoolConfig) PoolFactory {
	return func(sc ShardConfig) (Pool, error) {
		cfg := tmpl
		cfg.Shard = sc.Name
		cfg.Replicas = sc.Replicas
		return transport.NewPool(cfg)
	}
}

func (m *Manager) openShard(sc ShardConfig) (*shard, error) {
	mcfg := sc.Monitor
	if mcfg.Shard == "" {
		mcfg.Shard = sc.Name
	}
	if mcfg.Path == "" {
		mcfg.Path = filepath.Join(m.cfg.DataPath, sc.Name)
	}
	if err := mcfg.Validate(); err != nil {
		return nil, err
	}

	w, err := queue.OpenWriter(mcfg.Path, sc.Name, m.cfg.BlockCompression)
	if err != nil {
		return nil, err
	}
	pool, err := m.cfg.PoolFactory(sc)
	if err != nil {
		return nil, err
	}
	mon, err := monitor.New(mcfg, pool, m.blocker, m.sched)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return &shard{cfg: sc, writer: w, pool: pool, monitor: mon}, nil
}

// Start starts every monitor and registers the shard health checks.
func (m *Manager) Start() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, s := range m.shards {
		s.monitor.Start()
		if m.cfg.Health != nil {
			m.cfg.Health.RegisterReadiness("shard."+name, m.check(s))
		}
	}
	m.log.Info("relay started", logging.F("shards", len(m.shards)))
}

func (m *Manager) check(s *shard) health.CheckFunc {
	return func() error {
		st := s.monitor.Status()
		switch {
		case m.cfg.ErrorThreshold > 0 && st.ErrorCount >= m.cfg.ErrorThreshold:
			return fmt.Errorf("%d consecutive errors: %s", st.ErrorCount, lastErrorMessage(st))
		case st.IsBlocked:
			return health.Degraded(errors.New("sends are stopped"))
		case st.ErrorCount > 0:
			return health.Degraded(fmt.Errorf("%d errors: %s", st.ErrorCount, lastErrorMessage(st)))
		}
		return nil
	}
}

func lastErrorMessage(st monitor.Status) string {
	if st.LastError == nil {
		return "unknown"
	}
	return st.LastError.Message
}

func (m *Manager) shard(name string) (*shard, error) {
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.shards[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShard, name)
	}
	return s, nil
}

// Enqueue writes one block to the queue of a shard and wakes its monitor.
func (m *Manager) Enqueue(name string, rows uint64, schema string, data []byte) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.shard(name)
	if err != nil {
		return 0, err
	}
	key, err := s.writer.Enqueue(rows, schema, data)
	if err != nil {
		return 0, err
	}
	s.monitor.ScheduleAfter(0)
	return key, nil
}

// EnqueueKeyed routes a block by its sharding key and enqueues it on the
// selected shard.
func (m *Manager) EnqueueKeyed(shardingKey string, rows uint64, schema string, data []byte) (string, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", 0, ErrClosed
	}
	if m.selector == nil {
		return "", 0, sharding.ErrNoShards
	}
	name := m.selector.PickKey(shardingKey)
	s := m.shards[name]
	key, err := s.writer.Enqueue(rows, schema, data)
	if err != nil {
		return "", 0, err
	}
	s.monitor.ScheduleAfter(0)
	return name, key, nil
}

// Statuses returns the status of every shard ordered by name.
func (m *Manager) Statuses() []ShardStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ShardStatus, 0, len(m.shards))
	for _, s := range m.shards {
		st := ShardStatus{Status: s.monitor.Status()}
		if r, ok := s.pool.(interface {
			Replicas() []transport.ReplicaStatus
		}); ok {
			st.Replicas = r.Replicas()
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b ShardStatus) int {
		return cmp.Compare(a.Shard, b.Shard)
	})
	return out
}

// Flush drains the named shards, or every shard when names is empty, in
// parallel. It returns once every queue is empty or the first flush fails.
func (m *Manager) Flush(ctx context.Context, names ...string) error {
	m.mu.RLock()
	var targets []*shard
	if len(names) == 0 {
		for _, s := range m.shards {
			targets = append(targets, s)
		}
	}
	for _, name := range names {
		s, err := m.shard(name)
		if err != nil {
			m.mu.RUnlock()
			return err
		}
		targets = append(targets, s)
	}
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range targets {
		g.Go(func() error {
			if err := s.monitor.FlushAllData(gctx); err != nil {
				return fmt.Errorf("flush shard %s: %w", s.cfg.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.log.Info("flush completed", logging.F(
		"shards", len(targets),
		"duration", time.Since(start).String(),
	))
	return nil
}

// StopSends blocks background sends of every shard. It reports false if
// sends were already stopped.
func (m *Manager) StopSends() bool {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	if m.unblockFn != nil {
		return false
	}
	m.unblockFn = m.blocker.Cancel()
	m.log.Info("background sends stopped")
	return true
}

// StartSends undoes StopSends and wakes every monitor. It reports false if
// sends were not stopped.
func (m *Manager) StartSends() bool {
	m.adminMu.Lock()
	if m.unblockFn == nil {
		m.adminMu.Unlock()
		return false
	}
	m.unblockFn()
	m.unblockFn = nil
	m.adminMu.Unlock()

	m.mu.RLock()
	for _, s := range m.shards {
		s.monitor.ScheduleAfter(0)
	}
	m.mu.RUnlock()
	m.log.Info("background sends started")
	return true
}

// Relocate moves the queue directory of a shard to dir. Producers and the
// monitor both switch to the new directory.
func (m *Manager) Relocate(name, dir string) error {
	if dir == "" {
		return errors.New("relocate: target directory is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.shard(name)
	if err != nil {
		return err
	}
	return s.monitor.MovePath(dir, func(_, newPath string) error {
		return s.writer.Move(newPath)
	})
}

// Drop stops a shard and deletes everything queued for it.
func (m *Manager) Drop(name string) error {
	m.mu.Lock()
	s, err := m.shard(name)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.shards, name)
	m.rebuildSelector()
	m.mu.Unlock()

	if m.cfg.Health != nil {
		m.cfg.Health.UnregisterReadiness("shard." + name)
	}
	err = errors.Join(s.monitor.ShutdownAndDropAllData(), s.pool.Close())
	m.log.Info("shard dropped", logging.F("shard", name))
	return err
}

// Close stops every monitor and closes every pool. Queued data stays on disk.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	shards := make([]*shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range shards {
		wg.Go(s.monitor.Shutdown)
	}
	wg.Wait()

	var errs []error
	for _, s := range shards {
		if err := s.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool of %s: %w", s.cfg.Name, err))
		}
	}
	m.sched.Close()
	return errors.Join(errs...)
}
