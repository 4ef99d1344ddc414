// Package monitor drains the on-disk queue of one remote shard.
//
// A DirectoryMonitor runs passes on a scheduler task. Each pass lists the
// queue directory, groups files into units and sends them in key order,
// stopping at the first retryable failure so no unit overtakes an older one.
// Corrupt blocks are moved to the broken directory instead of being retried.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/shard-relay/internal/exporter"
	"github.com/szibis/shard-relay/internal/logging"
	"github.com/szibis/shard-relay/internal/queue"
	"github.com/szibis/shard-relay/internal/scheduler"
)

// ErrShutdown is returned by operations on a monitor that has been shut down.
var ErrShutdown = errors.New("directory monitor is shut down")

// Config configures one DirectoryMonitor.
type Config struct {
	// Shard names the remote shard; used in logs and metric labels.
	Shard string
	// Path is the queue directory.
	Path string
	// Batch enables merging files into batches.
	Batch queue.BatchConfig

	DefaultSleep      time.Duration
	MaxSleep          time.Duration
	BackoffMultiplier float64
	// DecayPeriod is the minimum time between two backoff decreases.
	DecayPeriod time.Duration
	// SendTimeout bounds one unit transfer. Zero means no limit.
	SendTimeout time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		DefaultSleep:      100 * time.Millisecond,
		MaxSleep:          30 * time.Second,
		BackoffMultiplier: 2,
		DecayPeriod:       time.Minute,
		SendTimeout:       time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Shard == "" {
		return errors.New("monitor: shard name is required")
	}
	if c.Path == "" {
		return errors.New("monitor: queue path is required")
	}
	if c.DefaultSleep <= 0 {
		return errors.New("monitor: default sleep must be positive")
	}
	if c.MaxSleep < c.DefaultSleep {
		return fmt.Errorf("monitor: max sleep %s is below default sleep %s", c.MaxSleep, c.DefaultSleep)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("monitor: backoff multiplier %v must be >= 1", c.BackoffMultiplier)
	}
	return nil
}

// DirectoryMonitor drains one queue directory to one remote shard.
type DirectoryMonitor struct {
	cfg     Config
	log     *logging.NamedLogger
	blocker *ActionBlocker
	sender  *exporter.Sender
	task    *scheduler.Task
	status  *statusRegistry
	now     func() time.Time

	started  atomic.Bool
	quit     atomic.Bool
	quitCh   chan struct{}
	quitOnce sync.Once

	// runMu is held for the whole of a pass. It guards the fields below.
	runMu   sync.Mutex
	path    string
	builder *queue.Builder
	backoff *Backoff
}

// New creates a monitor. It does not start draining until Start is called.
func New(cfg Config, pool exporter.ConnectionPool, blocker *ActionBlocker, sched *scheduler.Pool) (*DirectoryMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DecayPeriod < 0 {
		cfg.DecayPeriod = 0
	}

	m := &DirectoryMonitor{
		cfg:     cfg,
		log:     logging.Named("shard_relay.monitor." + cfg.Shard),
		blocker: blocker,
		status:  newStatusRegistry(cfg.Shard, cfg.Path),
		now:     time.Now,
		quitCh:  make(chan struct{}),
		path:    cfg.Path,
		backoff: NewBackoff(cfg.DefaultSleep, cfg.MaxSleep, cfg.BackoffMultiplier, cfg.DecayPeriod),
	}
	m.builder = queue.NewBuilder(cfg.Path, cfg.Shard, cfg.Batch, m.log)
	m.sender = exporter.NewSender(pool, cfg.SendTimeout, m.quit.Load)
	m.task = sched.NewTask("monitor."+cfg.Shard, m.run)

	queue.InitShardMetrics(cfg.Shard)
	m.status.setSleep(m.backoff.Current())
	queue.SetBackoff(cfg.Shard, m.backoff.Current())
	m.refreshPending(cfg.Path)
	if n, err := queue.ListBroken(cfg.Path); err == nil {
		m.status.setBroken(n)
	}
	return m, nil
}

// Start activates the background task and schedules the first pass.
func (m *DirectoryMonitor) Start() {
	if m.quit.Load() || m.started.Swap(true) {
		return
	}
	m.log.Info("directory monitor started", logging.F(
		"path", m.Path(),
		"batching", m.cfg.Batch.Enabled(),
	))
	m.task.ActivateAndSchedule()
}

// Path returns the current queue directory.
func (m *DirectoryMonitor) Path() string {
	return m.Status().Path
}

// Shard returns the shard name.
func (m *DirectoryMonitor) Shard() string {
	return m.cfg.Shard
}

// ScheduleAfter requests a pass after d unless an earlier one is pending.
// Producers call it after enqueuing a file.
func (m *DirectoryMonitor) ScheduleAfter(d time.Duration) bool {
	if m.quit.Load() {
		return false
	}
	return m.task.ScheduleAfter(d)
}

// Status returns a snapshot of the monitor state. It never waits for a pass.
func (m *DirectoryMonitor) Status() Status {
	s := m.status.snapshot()
	s.IsBlocked = m.blocker.IsCancelled()
	return s
}

// run is the scheduler task body.
func (m *DirectoryMonitor) run() {
	if m.quit.Load() {
		return
	}
	res := m.pass(context.Background(), false)
	if res.quit || m.quit.Load() {
		return
	}
	if res.healthy() && res.pending > 0 {
		m.task.Schedule()
		return
	}
	m.task.ScheduleAfter(res.sleep)
}

// passResult summarizes one pass.
type passResult struct {
	quit        bool
	blocked     bool
	failed      bool
	delivered   int
	quarantined int
	pending     int
	sleep       time.Duration
}

func (r passResult) healthy() bool {
	return !r.quit && !r.blocked && !r.failed
}

// pass drains the queue once. force skips the action blocker.
func (m *DirectoryMonitor) pass(ctx context.Context, force bool) passResult {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := m.now()
	defer func() { queue.ObservePass(m.cfg.Shard, m.now().Sub(start)) }()

	res := passResult{sleep: m.backoff.Current()}
	if m.quit.Load() {
		res.quit = true
		return res
	}
	isBlocked := m.blocker.IsCancelled()
	queue.SetBlocked(m.cfg.Shard, isBlocked)
	if isBlocked && !force {
		res.blocked = true
		return res
	}

	files, err := queue.ListPending(m.path)
	if err != nil {
		m.fail(&res, "io", err)
		return res
	}
	m.status.setPending(len(files), queue.TotalSize(files))
	queue.UpdateQueueMetrics(m.cfg.Shard, len(files), queue.TotalSize(files))

	token := queue.AcquirePending(m.cfg.Shard, len(files))
	defer token.ReleaseAll()

	rest := files
	for len(rest) > 0 && !res.failed {
		if m.quit.Load() {
			res.quit = true
			return res
		}
		units, next, err := m.builder.Build(rest)
		if err != nil {
			m.fail(&res, "io", err)
			break
		}
		rest = next
		for _, u := range units {
			retry := m.deliver(ctx, u, token, &res)
			if res.quit {
				return res
			}
			if res.failed {
				break
			}
			if len(retry) > 0 {
				// The batch was the last unit; its surviving members go
				// back in front of the files after it.
				rest = append(retry, rest...)
			}
		}
	}

	if !res.failed {
		res.sleep = m.backoff.Success(m.now())
		if res.delivered > 0 && res.quarantined == 0 {
			m.status.clearErrors()
		}
	}
	m.status.setSleep(res.sleep)
	queue.SetBackoff(m.cfg.Shard, res.sleep)
	res.pending = m.refreshPending(m.path)
	return res
}

// deliver sends one unit and applies the outcome. It returns files that
// must be rebuilt into new units when a batch lost a member to quarantine.
func (m *DirectoryMonitor) deliver(ctx context.Context, u queue.Unit, token *queue.PendingToken, res *passResult) []*queue.File {
	if m.quit.Load() {
		res.quit = true
		return nil
	}

	sent, err := m.sender.Send(ctx, u)
	if err == nil {
		if err := m.remove(sent.Paths); err != nil {
			m.fail(res, "io", err)
			return nil
		}
		m.status.recordSuccess(sent.Files, sent.DiskBytes)
		token.Release(sent.Files)
		queue.RecordSent(m.cfg.Shard, sent.Files, sent.Rows, sent.Bytes, sent.Batch)
		res.delivered++
		m.log.Debug("unit sent", logging.F(
			"keys", u.Keys(),
			"rows", sent.Rows,
			"bytes", sent.Bytes,
		))
		return nil
	}

	se := exporter.Classify(err)
	switch {
	case se.Type == exporter.ErrorTypeCanceled:
		// Shutdown or an abandoned flush, not a problem with the shard.
		if m.quit.Load() {
			res.quit = true
		} else {
			res.failed = true
		}
		return nil

	case se.IsMalformed() && u.IsBatch() && !se.HasKey:
		// The remote refused the batch without naming a block: send the
		// members one by one so only the bad file ends up quarantined.
		queue.IncrementSendError(m.cfg.Shard, string(se.Type))
		m.log.Warn("batch refused, falling back to single-file sends", logging.F(
			"keys", u.Keys(),
			"error", se.Error(),
		))
		if err := m.builder.Discard(); err != nil {
			m.fail(res, "io", err)
			return nil
		}
		for _, f := range u.Files {
			m.deliver(ctx, queue.Unit{Files: []*queue.File{f}}, token, res)
			if res.quit || res.failed {
				return nil
			}
		}
		return nil

	case se.IsMalformed():
		queue.IncrementSendError(m.cfg.Shard, string(se.Type))
		bad := u.Files[0]
		if se.HasKey {
			for _, f := range u.Files {
				if f.Key == se.Key {
					bad = f
				}
			}
		}
		if u.IsBatch() {
			if err := m.builder.Discard(); err != nil {
				m.fail(res, "io", err)
				return nil
			}
		}
		if !m.quarantine(bad, se, token, res) {
			return nil
		}
		if !u.IsBatch() {
			return nil
		}
		retry := make([]*queue.File, 0, len(u.Files)-1)
		for _, f := range u.Files {
			if f != bad {
				retry = append(retry, f)
			}
		}
		return retry

	default:
		queue.IncrementSendError(m.cfg.Shard, string(se.Type))
		m.fail(res, string(se.Type), se)
		return nil
	}
}

// quarantine moves f to the broken directory. A failed move becomes a
// transient failure so the file stays queued.
func (m *DirectoryMonitor) quarantine(f *queue.File, cause *exporter.SendError, token *queue.PendingToken, res *passResult) bool {
	if _, err := queue.Quarantine(f.Path, cause, m.cfg.Batch.DirFsync); err != nil {
		m.fail(res, "io", fmt.Errorf("quarantine block %d: %w", f.Key, err))
		return false
	}
	m.status.recordQuarantine(string(cause.Type), cause, f.DiskSize, m.now())
	queue.IncrementBroken(m.cfg.Shard)
	token.Release(1)
	res.quarantined++
	return true
}

// fail records a retryable failure and grows the backoff.
func (m *DirectoryMonitor) fail(res *passResult, kind string, err error) {
	res.failed = true
	res.sleep = m.backoff.Failure(m.now())
	m.status.recordError(kind, err, m.now())
	m.log.Error("failed to drain queue", logging.F(
		"kind", kind,
		"error", err.Error(),
		"sleep", res.sleep.String(),
	))
}

// remove deletes the files of a delivered unit, members first so the batch
// descriptor never refers to a key that is not on disk before delivery.
func (m *DirectoryMonitor) remove(paths []string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove delivered file: %w", err)
		}
	}
	return nil
}

func (m *DirectoryMonitor) refreshPending(path string) int {
	files, err := queue.ListPending(path)
	if err != nil {
		return 0
	}
	size := queue.TotalSize(files)
	m.status.setPending(len(files), size)
	queue.UpdateQueueMetrics(m.cfg.Shard, len(files), size)
	return len(files)
}

// FlushAllData drains the queue synchronously, ignoring the backoff delay and
// the action blocker. It returns nil once the queue directory is empty,
// ErrShutdown if the monitor is shut down, or the context error.
func (m *DirectoryMonitor) FlushAllData(ctx context.Context) error {
	for {
		if m.quit.Load() {
			return ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		res := m.pass(ctx, true)
		if res.quit {
			return ErrShutdown
		}
		if !res.failed && res.pending == 0 {
			return nil
		}
		if !res.failed {
			continue
		}

		timer := time.NewTimer(m.cfg.DefaultSleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.quitCh:
			timer.Stop()
			return ErrShutdown
		}
	}
}

// UpdatePath switches the monitor to a queue directory that already holds
// the files. An in-flight pass on the old path finishes first.
func (m *DirectoryMonitor) UpdatePath(newPath string) error {
	return m.MovePath(newPath, nil)
}

// MovePath is UpdatePath with a move step that runs while no pass is in
// progress, typically a directory rename.
func (m *DirectoryMonitor) MovePath(newPath string, move func(oldPath, newPath string) error) error {
	if m.quit.Load() {
		return ErrShutdown
	}
	m.task.Deactivate()
	defer func() {
		if m.started.Load() && !m.quit.Load() {
			m.task.ActivateAndSchedule()
		}
	}()

	m.runMu.Lock()
	defer m.runMu.Unlock()

	old := m.path
	if move != nil {
		if err := move(old, newPath); err != nil {
			return err
		}
	}
	m.path = newPath
	m.builder = queue.NewBuilder(newPath, m.cfg.Shard, m.cfg.Batch, m.log)
	m.status.setPath(newPath)
	m.log.Info("queue path updated", logging.F("from", old, "to", newPath))
	return nil
}

// Shutdown stops the monitor. Queued files stay on disk for the next start.
// It waits for a running pass, which stops at its next unit boundary.
func (m *DirectoryMonitor) Shutdown() {
	m.quitOnce.Do(func() {
		m.quit.Store(true)
		close(m.quitCh)
	})
	m.task.Destroy()
	queue.SetBlocked(m.cfg.Shard, false)
	m.log.Info("directory monitor stopped")
}

// ShutdownAndDropAllData stops the monitor without sending what is left and
// removes the queue directory, the batch descriptor and broken files included.
func (m *DirectoryMonitor) ShutdownAndDropAllData() error {
	m.Shutdown()

	m.runMu.Lock()
	defer m.runMu.Unlock()

	if err := m.builder.Discard(); err != nil {
		m.log.Warn("failed to discard batch descriptor", logging.F("error", err.Error()))
	}
	if err := os.RemoveAll(m.path); err != nil {
		return fmt.Errorf("remove queue directory: %w", err)
	}
	m.status.setPending(0, 0)
	m.status.setBroken(0)
	queue.DeleteShardMetrics(m.cfg.Shard)
	m.log.Info("queue dropped", logging.F("path", m.path))
	return nil
}
