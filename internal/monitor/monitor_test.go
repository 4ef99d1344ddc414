package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/compression"
	"github.com/szibis/shard-relay/internal/exporter/exportertest"
	"github.com/szibis/shard-relay/internal/queue"
	"github.com/szibis/shard-relay/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Shard = t.Name()
	cfg.Path = filepath.Join(t.TempDir(), "shard")
	cfg.DefaultSleep = 10 * time.Millisecond
	cfg.MaxSleep = 80 * time.Millisecond
	cfg.DecayPeriod = 0
	cfg.SendTimeout = 5 * time.Second
	return cfg
}

func newTestMonitor(t *testing.T, cfg Config, pool *exportertest.Pool, blocker *ActionBlocker) *DirectoryMonitor {
	t.Helper()
	sched := scheduler.NewPool(2)
	m, err := New(cfg, pool, blocker, sched)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		m.Shutdown()
		sched.Close()
	})
	return m
}

// enqueue writes n blocks whose row count equals their key.
func enqueue(t *testing.T, dir string, n int) {
	t.Helper()
	w, err := queue.OpenWriter(dir, "test", compression.Config{})
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	for i := 0; i < n; i++ {
		files, err := queue.ListPending(dir)
		if err != nil {
			t.Fatal(err)
		}
		rows := uint64(len(files) + 1)
		if _, err := w.Enqueue(rows, "schema", []byte(fmt.Sprintf("payload-%d", rows))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

func corruptPayload(t *testing.T, dir string, key uint64) {
	t.Helper()
	path := filepath.Join(dir, queue.FileName(key))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func transferRows(transfers [][]*block.Block) [][]uint64 {
	out := make([][]uint64, len(transfers))
	for i, tr := range transfers {
		for _, b := range tr {
			out[i] = append(out[i], b.Rows)
		}
	}
	return out
}

func equalTransfers(a, b [][]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func networkError() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

// blockedGauge reads shard_relay_blocked for shard from the default registry.
func blockedGauge(t *testing.T, shard string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "shard_relay_blocked" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "shard" && l.GetValue() == shard {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("no blocked gauge for shard %s", shard)
	return 0
}

// blockBrokenDir puts a regular file where the broken directory would go,
// so every quarantine move fails.
func blockBrokenDir(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(queue.BrokenDir(dir), []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	sched := scheduler.NewPool(1)
	defer sched.Close()

	cfg := testConfig(t)
	cfg.Shard = ""
	if _, err := New(cfg, exportertest.NewPool(), nil, sched); err == nil {
		t.Fatal("expected error for empty shard")
	}
	cfg = testConfig(t)
	cfg.MaxSleep = cfg.DefaultSleep / 2
	if _, err := New(cfg, exportertest.NewPool(), nil, sched); err == nil {
		t.Fatal("expected error for max sleep below default")
	}
}

func TestDrainsFilesInKeyOrder(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 3)
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	if st := m.Status(); st.FilesCount != 3 || st.BytesCount == 0 {
		t.Fatalf("initial status = %+v", st)
	}
	if err := m.FlushAllData(context.Background()); err != nil {
		t.Fatalf("FlushAllData: %v", err)
	}

	want := [][]uint64{{1}, {2}, {3}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
	st := m.Status()
	if st.FilesCount != 0 || st.BytesCount != 0 {
		t.Fatalf("pending after flush = %d files, %d bytes", st.FilesCount, st.BytesCount)
	}
	if st.ErrorCount != 0 || st.LastError != nil {
		t.Fatalf("errors after clean drain = %d, %+v", st.ErrorCount, st.LastError)
	}
	if st.SentFiles != 3 {
		t.Fatalf("SentFiles = %d", st.SentFiles)
	}
	if pool.Released() != 3 {
		t.Fatalf("Released = %d", pool.Released())
	}
}

func TestBatchSentAsOneTransfer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch = queue.BatchConfig{MinRows: 100}
	enqueue(t, cfg.Path, 2)
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	res := m.pass(context.Background(), false)
	if res.failed || res.delivered != 1 {
		t.Fatalf("pass = %+v", res)
	}
	want := [][]uint64{{1, 2}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
	for _, name := range []string{queue.FileName(1), queue.FileName(2), queue.BatchFileName} {
		if exists(filepath.Join(cfg.Path, name)) {
			t.Errorf("%s still present after delivery", name)
		}
	}
}

func TestBatchThresholdSplitsTransfers(t *testing.T) {
	cfg := testConfig(t)
	// Rows are 1..5: the first batch seals at 1+2+3, the rest goes together.
	cfg.Batch = queue.BatchConfig{MinRows: 6}
	enqueue(t, cfg.Path, 5)
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	if err := m.FlushAllData(context.Background()); err != nil {
		t.Fatalf("FlushAllData: %v", err)
	}
	want := [][]uint64{{1, 2, 3}, {4, 5}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
}

func TestNetworkErrorKeepsFiles(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 2)
	pool := exportertest.NewPool()
	pool.SetFail(func(int, []*block.Block) error { return networkError() })
	m := newTestMonitor(t, cfg, pool, nil)

	res := m.pass(context.Background(), false)
	if !res.failed {
		t.Fatalf("pass = %+v, want failure", res)
	}
	if pool.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1: the pass must stop at the first failure", pool.Attempts())
	}

	st := m.Status()
	if st.ErrorCount != 1 || st.LastError == nil || st.LastError.Kind != "network" {
		t.Fatalf("status errors = %d, %+v", st.ErrorCount, st.LastError)
	}
	if st.FilesCount != 2 {
		t.Fatalf("FilesCount = %d, want 2", st.FilesCount)
	}
	if st.SleepTime != 2*cfg.DefaultSleep {
		t.Fatalf("SleepTime = %s, want %s", st.SleepTime, 2*cfg.DefaultSleep)
	}
	if st.BrokenFiles != 0 || exists(queue.BrokenDir(cfg.Path)) {
		t.Fatal("transient error quarantined a file")
	}
	if !exists(filepath.Join(cfg.Path, queue.FileName(1))) {
		t.Fatal("file removed after a failed send")
	}
}

func TestBackoffCappedAndDecays(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 1)
	pool := exportertest.NewPool()
	pool.SetFail(func(int, []*block.Block) error { return networkError() })
	m := newTestMonitor(t, cfg, pool, nil)

	prev := m.Status().SleepTime
	for i := 0; i < 6; i++ {
		m.pass(context.Background(), false)
		cur := m.Status().SleepTime
		if cur < prev {
			t.Fatalf("sleep shrank on failure: %s -> %s", prev, cur)
		}
		if cur > cfg.MaxSleep {
			t.Fatalf("sleep %s above max %s", cur, cfg.MaxSleep)
		}
		prev = cur
	}
	if prev != cfg.MaxSleep {
		t.Fatalf("sleep = %s, want cap %s", prev, cfg.MaxSleep)
	}

	pool.SetFail(nil)
	m.pass(context.Background(), false)
	st := m.Status()
	if st.SleepTime != cfg.MaxSleep/2 {
		t.Fatalf("sleep after success = %s, want %s", st.SleepTime, cfg.MaxSleep/2)
	}
	if st.ErrorCount != 0 || st.LastError != nil {
		t.Fatalf("errors not cleared after a successful pass: %d", st.ErrorCount)
	}
}

func TestCorruptFileQuarantined(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 3)
	if err := os.WriteFile(filepath.Join(cfg.Path, queue.FileName(2)), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	res := m.pass(context.Background(), false)
	if res.failed || res.quarantined != 1 || res.delivered != 2 {
		t.Fatalf("pass = %+v", res)
	}
	want := [][]uint64{{1}, {3}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
	if !exists(filepath.Join(queue.BrokenDir(cfg.Path), queue.FileName(2))) {
		t.Fatal("corrupt file not in broken directory")
	}

	st := m.Status()
	if st.BrokenFiles != 1 || st.FilesCount != 0 {
		t.Fatalf("status = %+v", st)
	}
	// A pass with a quarantine keeps the error visible.
	if st.ErrorCount != 1 || st.LastError == nil || st.LastError.Kind != "malformed" {
		t.Fatalf("status errors = %d, %+v", st.ErrorCount, st.LastError)
	}
	if st.SleepTime != cfg.DefaultSleep {
		t.Fatalf("quarantine changed backoff: %s", st.SleepTime)
	}
}

func TestCorruptBatchMemberQuarantined(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch = queue.BatchConfig{MinRows: 100}
	enqueue(t, cfg.Path, 3)
	corruptPayload(t, cfg.Path, 2)
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	res := m.pass(context.Background(), false)
	if res.failed || res.quarantined != 1 {
		t.Fatalf("pass = %+v", res)
	}
	want := [][]uint64{{1, 3}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
	if !exists(filepath.Join(queue.BrokenDir(cfg.Path), queue.FileName(2))) {
		t.Fatal("corrupt member not quarantined")
	}
	files, err := queue.ListPending(cfg.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 || exists(filepath.Join(cfg.Path, queue.BatchFileName)) {
		t.Fatalf("queue not empty: %d files", len(files))
	}
}

func TestQuarantineFailureIsTransient(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 3)
	corruptPayload(t, cfg.Path, 2)
	blockBrokenDir(t, cfg.Path)
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	res := m.pass(context.Background(), false)
	if !res.failed || res.delivered != 1 || res.quarantined != 0 {
		t.Fatalf("pass = %+v", res)
	}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, [][]uint64{{1}}) {
		t.Fatalf("transfers = %v, want [[1]]", got)
	}
	if !exists(filepath.Join(cfg.Path, queue.FileName(2))) || !exists(filepath.Join(cfg.Path, queue.FileName(3))) {
		t.Fatal("files after the failed quarantine must stay queued")
	}

	st := m.Status()
	if st.ErrorCount != 1 || st.LastError == nil || st.LastError.Kind != "io" {
		t.Fatalf("status errors = %d, %+v", st.ErrorCount, st.LastError)
	}
	if st.SleepTime != 2*cfg.DefaultSleep {
		t.Fatalf("sleep = %s, want %s", st.SleepTime, 2*cfg.DefaultSleep)
	}
	if st.BrokenFiles != 0 || st.FilesCount != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestQuarantineFailureInBatchIsTransient(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch = queue.BatchConfig{MinRows: 1000}
	enqueue(t, cfg.Path, 3)
	corruptPayload(t, cfg.Path, 2)
	blockBrokenDir(t, cfg.Path)
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	res := m.pass(context.Background(), false)
	if !res.failed || res.delivered != 0 || res.quarantined != 0 {
		t.Fatalf("pass = %+v", res)
	}
	files, err := queue.ListPending(cfg.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("pending files = %d, want 3", len(files))
	}
	if exists(filepath.Join(cfg.Path, queue.BatchFileName)) {
		t.Fatal("batch descriptor must be discarded")
	}

	st := m.Status()
	if st.ErrorCount != 1 || st.SleepTime != 2*cfg.DefaultSleep {
		t.Fatalf("status = %+v", st)
	}
}

func TestRemoteRejectedBatchFallsBackToSingleFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch = queue.BatchConfig{MinRows: 100}
	enqueue(t, cfg.Path, 3)
	pool := exportertest.NewPool()
	pool.SetFail(func(_ int, blocks []*block.Block) error {
		for _, b := range blocks {
			if b.Rows == 2 {
				return status.Error(codes.InvalidArgument, "cannot parse block")
			}
		}
		return nil
	})
	m := newTestMonitor(t, cfg, pool, nil)

	res := m.pass(context.Background(), false)
	if res.failed || res.quarantined != 1 {
		t.Fatalf("pass = %+v", res)
	}
	want := [][]uint64{{1}, {3}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
	if !exists(filepath.Join(queue.BrokenDir(cfg.Path), queue.FileName(2))) {
		t.Fatal("rejected file not quarantined")
	}
	if exists(filepath.Join(cfg.Path, queue.BatchFileName)) {
		t.Fatal("batch descriptor left behind")
	}
}

func TestBatchAtomicOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch = queue.BatchConfig{MinRows: 100}
	enqueue(t, cfg.Path, 3)
	pool := exportertest.NewPool()
	pool.SetFail(func(int, []*block.Block) error { return networkError() })
	m := newTestMonitor(t, cfg, pool, nil)

	m.pass(context.Background(), false)
	for key := uint64(1); key <= 3; key++ {
		if !exists(filepath.Join(cfg.Path, queue.FileName(key))) {
			t.Fatalf("member %d removed after a failed batch send", key)
		}
	}
	h, err := queue.LoadBatchHeader(filepath.Join(cfg.Path, queue.BatchFileName))
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	if h.State != queue.StateSealed || len(h.Keys) != 3 {
		t.Fatalf("descriptor = %+v", h)
	}

	// The retry sends the same membership.
	pool.SetFail(nil)
	m.pass(context.Background(), false)
	want := [][]uint64{{1, 2, 3}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
}

func TestFlushRetriesUntilEmpty(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 5)
	pool := exportertest.NewPool()
	pool.SetFail(func(attempt int, _ []*block.Block) error {
		if attempt <= 2 {
			return networkError()
		}
		return nil
	})
	m := newTestMonitor(t, cfg, pool, nil)

	if err := m.FlushAllData(context.Background()); err != nil {
		t.Fatalf("FlushAllData: %v", err)
	}
	want := [][]uint64{{1}, {2}, {3}, {4}, {5}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
	if st := m.Status(); st.FilesCount != 0 || st.ErrorCount != 0 {
		t.Fatalf("status after flush = %+v", st)
	}
}

func TestFlushHonorsContext(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 1)
	pool := exportertest.NewPool()
	pool.SetFail(func(int, []*block.Block) error { return networkError() })
	m := newTestMonitor(t, cfg, pool, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.FlushAllData(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("FlushAllData = %v, want deadline exceeded", err)
	}
	if !exists(filepath.Join(cfg.Path, queue.FileName(1))) {
		t.Fatal("file lost")
	}
}

func TestBlockedPassSendsNothing(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 2)
	pool := exportertest.NewPool()
	blocker := &ActionBlocker{}
	m := newTestMonitor(t, cfg, pool, blocker)

	release := blocker.Cancel()
	res := m.pass(context.Background(), false)
	if !res.blocked || pool.Attempts() != 0 {
		t.Fatalf("blocked pass = %+v, attempts %d", res, pool.Attempts())
	}
	st := m.Status()
	if !st.IsBlocked || st.ErrorCount != 0 {
		t.Fatalf("status = %+v", st)
	}

	if blockedGauge(t, cfg.Shard) != 1 {
		t.Fatal("blocked gauge not set")
	}

	// A flush ignores the blocker.
	if err := m.FlushAllData(context.Background()); err != nil {
		t.Fatalf("FlushAllData: %v", err)
	}
	if len(pool.Transfers()) != 2 {
		t.Fatalf("transfers = %d, want 2", len(pool.Transfers()))
	}
	if blockedGauge(t, cfg.Shard) != 1 || !m.Status().IsBlocked {
		t.Fatal("a flush must not clear the blocked state")
	}

	release()
	if m.Status().IsBlocked {
		t.Fatal("still blocked after release")
	}
}

func TestBackgroundDrain(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 3)
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	m.Start()
	waitFor(t, "queue drained", func() bool { return len(pool.Transfers()) == 3 })
	waitFor(t, "status updated", func() bool { return m.Status().FilesCount == 0 })

	// A producer wakes the monitor after writing.
	enqueue(t, cfg.Path, 1)
	m.ScheduleAfter(0)
	waitFor(t, "new file sent", func() bool { return len(pool.Transfers()) == 4 })
}

func TestAtMostOneTransferInFlight(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 4)
	pool := exportertest.NewPool()
	started := pool.Hold()
	m := newTestMonitor(t, cfg, pool, nil)

	m.Start()
	done := make(chan error, 1)
	go func() { done <- m.FlushAllData(context.Background()) }()

	<-started
	time.Sleep(20 * time.Millisecond)
	pool.Unblock()
	if err := <-done; err != nil {
		t.Fatalf("FlushAllData: %v", err)
	}
	if pool.MaxInFlight() != 1 {
		t.Fatalf("MaxInFlight = %d, want 1", pool.MaxInFlight())
	}
	want := [][]uint64{{1}, {2}, {3}, {4}}
	if got := transferRows(pool.Transfers()); !equalTransfers(got, want) {
		t.Fatalf("transfers = %v, want %v", got, want)
	}
}

func TestShutdownStopsAtUnitBoundary(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 2)
	pool := exportertest.NewPool()
	started := pool.Hold()
	m := newTestMonitor(t, cfg, pool, nil)

	m.Start()
	<-started

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	waitFor(t, "quit flag", m.quit.Load)
	pool.Unblock()
	<-done

	// The in-flight send completes; the next file stays queued.
	if len(pool.Transfers()) != 1 {
		t.Fatalf("transfers = %d, want 1", len(pool.Transfers()))
	}
	if !exists(filepath.Join(cfg.Path, queue.FileName(2))) {
		t.Fatal("queued file lost on shutdown")
	}
	if err := m.FlushAllData(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("FlushAllData after shutdown = %v", err)
	}
	if m.ScheduleAfter(0) {
		t.Fatal("ScheduleAfter accepted after shutdown")
	}
}

func TestMovePath(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 2)
	pool := exportertest.NewPool()
	m := newTestMonitor(t, cfg, pool, nil)

	newPath := filepath.Join(filepath.Dir(cfg.Path), "moved")
	if err := m.MovePath(newPath, func(oldPath, newPath string) error {
		return os.Rename(oldPath, newPath)
	}); err != nil {
		t.Fatalf("MovePath: %v", err)
	}
	if m.Path() != newPath {
		t.Fatalf("Path = %s", m.Path())
	}
	if exists(cfg.Path) {
		t.Fatal("old directory still present")
	}

	if err := m.FlushAllData(context.Background()); err != nil {
		t.Fatalf("FlushAllData: %v", err)
	}
	if len(pool.Transfers()) != 2 {
		t.Fatalf("transfers = %d, want 2", len(pool.Transfers()))
	}
}

func TestMovePathFailureKeepsOldPath(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, exportertest.NewPool(), nil)

	boom := errors.New("boom")
	if err := m.MovePath("/elsewhere", func(string, string) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("MovePath = %v", err)
	}
	if m.Path() != cfg.Path {
		t.Fatalf("Path = %s, want %s", m.Path(), cfg.Path)
	}
}

func TestShutdownAndDropAllData(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch = queue.BatchConfig{MinRows: 100}
	enqueue(t, cfg.Path, 3)
	corruptPayload(t, cfg.Path, 3)
	pool := exportertest.NewPool()
	pool.SetFail(func(int, []*block.Block) error { return networkError() })
	m := newTestMonitor(t, cfg, pool, nil)
	m.pass(context.Background(), false)

	if err := m.ShutdownAndDropAllData(); err != nil {
		t.Fatalf("ShutdownAndDropAllData: %v", err)
	}
	if exists(cfg.Path) {
		t.Fatal("queue directory still present")
	}
	if st := m.Status(); st.FilesCount != 0 || st.BytesCount != 0 {
		t.Fatalf("status after drop = %+v", st)
	}
	if err := m.FlushAllData(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("FlushAllData after drop = %v", err)
	}
}

func TestStatusCountsBrokenFilesAtStartup(t *testing.T) {
	cfg := testConfig(t)
	enqueue(t, cfg.Path, 2)
	if _, err := queue.Quarantine(filepath.Join(cfg.Path, queue.FileName(1)), errors.New("bad"), false); err != nil {
		t.Fatal(err)
	}
	m := newTestMonitor(t, cfg, exportertest.NewPool(), nil)

	st := m.Status()
	if st.BrokenFiles != 1 || st.FilesCount != 1 {
		t.Fatalf("status = %+v", st)
	}
	if st.Shard != cfg.Shard || st.Path != cfg.Path {
		t.Fatalf("identity = %s %s", st.Shard, st.Path)
	}
}
