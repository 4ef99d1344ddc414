package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/szibis/shard-relay/internal/auth"
	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/compression"
	"github.com/szibis/shard-relay/internal/exporter"
	"github.com/szibis/shard-relay/internal/queue"
)

type memorySink struct {
	mu        sync.Mutex
	transfers []Transfer
	err       error
}

func (s *memorySink) Commit(_ context.Context, t Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.transfers = append(s.transfers, t)
	return nil
}

func (s *memorySink) committed() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.transfers...)
}

func startServer(t *testing.T, cfg ServerConfig, sink Sink) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, err := NewServer(cfg, sink)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

// dialer routes "bufnet" to lis and fails every other address.
func dialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		if addr == "bufnet" {
			return lis.DialContext(ctx)
		}
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	})
}

func newTestPool(t *testing.T, cfg PoolConfig, lis *bufconn.Listener) *Pool {
	t.Helper()
	if cfg.Shard == "" {
		cfg.Shard = t.Name()
	}
	if len(cfg.Replicas) == 0 {
		cfg.Replicas = []string{"passthrough:///bufnet"}
	}
	if cfg.Source == "" {
		cfg.Source = "relay-1"
	}
	cfg.DialOptions = append(cfg.DialOptions, dialer(lis))
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func writeUnit(t *testing.T, rows ...uint64) queue.Unit {
	t.Helper()
	dir := t.TempDir()
	for i, r := range rows {
		path := filepath.Join(dir, queue.FileName(uint64(i+1)))
		b := &block.Block{Rows: r, Schema: "id UInt64", Data: []byte(fmt.Sprintf("rows-%d", r))}
		if _, err := block.WriteFile(path, b, compression.Config{Type: compression.TypeZstd}); err != nil {
			t.Fatal(err)
		}
	}
	files, err := queue.ListPending(dir)
	if err != nil {
		t.Fatal(err)
	}
	return queue.Unit{Files: files}
}

func send(t *testing.T, p *Pool, unit queue.Unit) error {
	t.Helper()
	_, err := exporter.NewSender(p, 5*time.Second, nil).Send(context.Background(), unit)
	return err
}

func TestTransferCommittedInOrder(t *testing.T) {
	sink := &memorySink{}
	lis := startServer(t, ServerConfig{}, sink)
	p := newTestPool(t, PoolConfig{}, lis)

	if err := send(t, p, writeUnit(t, 3, 5, 7)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := sink.committed()
	if len(got) != 1 {
		t.Fatalf("committed %d transfers, want 1", len(got))
	}
	tr := got[0]
	if tr.Source != "relay-1" || tr.Shard != t.Name() || tr.ID == "" {
		t.Fatalf("transfer identity = %q %q %q", tr.Source, tr.Shard, tr.ID)
	}
	if len(tr.Blocks) != 3 || tr.Rows() != 15 {
		t.Fatalf("blocks = %d rows = %d", len(tr.Blocks), tr.Rows())
	}
	for i, want := range []uint64{3, 5, 7} {
		b := tr.Blocks[i]
		if b.Rows != want || string(b.Data) != fmt.Sprintf("rows-%d", want) || b.Schema != "id UInt64" {
			t.Errorf("block %d = %d %q %q", i, b.Rows, b.Schema, b.Data)
		}
	}
	if st := p.Replicas(); st[0].Errors != 0 || st[0].Circuit != "closed" {
		t.Fatalf("replica status = %+v", st)
	}
}

func TestMalformedBlockRejected(t *testing.T) {
	sink := &memorySink{}
	lis := startServer(t, ServerConfig{}, sink)
	p := newTestPool(t, PoolConfig{}, lis)

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	blocks := func(yield func(*block.Block, error) bool) {
		yield(&block.Block{Raw: []byte("not a block")}, nil)
	}
	err = conn.SendBlocks(context.Background(), blocks)
	conn.Release(err)

	se := exporter.Classify(err)
	if !se.IsMalformed() || !se.Remote {
		t.Fatalf("error = %v (type %s, remote %v), want remote malformed", err, se.Type, se.Remote)
	}
	if len(sink.committed()) != 0 {
		t.Fatal("malformed transfer committed")
	}
	// A refused block is not the replica's fault.
	if p.Replicas()[0].Errors != 0 {
		t.Fatalf("replica penalized for a data error: %+v", p.Replicas())
	}
}

func TestAbortedTransferNotCommitted(t *testing.T) {
	sink := &memorySink{}
	lis := startServer(t, ServerConfig{}, sink)
	p := newTestPool(t, PoolConfig{}, lis)

	unit := writeUnit(t, 1, 2)
	if err := os.WriteFile(unit.Files[1].Path, []byte("corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := send(t, p, unit)
	se := exporter.Classify(err)
	if !se.IsMalformed() || !se.HasKey || se.Key != 2 || se.Remote {
		t.Fatalf("error = %v, want local malformed block 2", err)
	}

	time.Sleep(50 * time.Millisecond)
	if len(sink.committed()) != 0 {
		t.Fatal("partial transfer committed")
	}
}

func TestCommitFailureIsRetryable(t *testing.T) {
	sink := &memorySink{err: errors.New("disk full")}
	lis := startServer(t, ServerConfig{}, sink)
	p := newTestPool(t, PoolConfig{}, lis)

	err := send(t, p, writeUnit(t, 1))
	se := exporter.Classify(err)
	if se == nil || !se.IsRetryable() || se.Type != exporter.ErrorTypeRemote {
		t.Fatalf("error = %v, want retryable remote", err)
	}
}

func TestFailoverToHealthyReplica(t *testing.T) {
	sink := &memorySink{}
	lis := startServer(t, ServerConfig{}, sink)
	p := newTestPool(t, PoolConfig{
		Replicas:                   []string{"passthrough:///down", "passthrough:///bufnet"},
		CircuitBreakerThreshold:    1,
		CircuitBreakerResetTimeout: time.Hour,
	}, lis)

	err := send(t, p, writeUnit(t, 1))
	if se := exporter.Classify(err); se == nil || se.Type != exporter.ErrorTypeNetwork {
		t.Fatalf("first send = %v, want network error from the down replica", err)
	}
	if err := send(t, p, writeUnit(t, 2)); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if len(sink.committed()) != 1 {
		t.Fatalf("committed = %d", len(sink.committed()))
	}

	st := p.Replicas()
	if st[0].Circuit != "open" || st[0].Errors != 1 {
		t.Fatalf("down replica = %+v", st[0])
	}
	if st[1].Circuit != "closed" || st[1].Errors != 0 {
		t.Fatalf("healthy replica = %+v", st[1])
	}
}

func TestAllCircuitsOpen(t *testing.T) {
	lis := startServer(t, ServerConfig{}, &memorySink{})
	p := newTestPool(t, PoolConfig{
		Replicas:                   []string{"passthrough:///down"},
		CircuitBreakerThreshold:    1,
		CircuitBreakerResetTimeout: time.Hour,
	}, lis)

	_ = send(t, p, writeUnit(t, 1))
	_, err := p.Acquire(context.Background())
	if se := exporter.Classify(err); se == nil || se.Type != exporter.ErrorTypeNetwork {
		t.Fatalf("Acquire = %v, want unavailable", err)
	}
}

func TestAuthenticatedStream(t *testing.T) {
	sink := &memorySink{}
	lis := startServer(t, ServerConfig{Auth: auth.ServerConfig{Enabled: true, BearerToken: "s3cret"}}, sink)

	anonymous := newTestPool(t, PoolConfig{Shard: "anon"}, lis)
	err := send(t, anonymous, writeUnit(t, 1))
	if se := exporter.Classify(err); se == nil || !se.IsRetryable() {
		t.Fatalf("unauthenticated send = %v", err)
	}

	authed := newTestPool(t, PoolConfig{Shard: "authed", Auth: auth.ClientConfig{BearerToken: "s3cret"}}, lis)
	if err := send(t, authed, writeUnit(t, 1)); err != nil {
		t.Fatalf("authenticated send: %v", err)
	}
	if len(sink.committed()) != 1 {
		t.Fatalf("committed = %d", len(sink.committed()))
	}
}

func TestWireCompression(t *testing.T) {
	for _, name := range []string{"gzip", "zstd"} {
		t.Run(name, func(t *testing.T) {
			sink := &memorySink{}
			lis := startServer(t, ServerConfig{}, sink)
			p := newTestPool(t, PoolConfig{Compression: name}, lis)
			if err := send(t, p, writeUnit(t, 4, 2)); err != nil {
				t.Fatalf("send: %v", err)
			}
			if got := sink.committed(); len(got) != 1 || got[0].Rows() != 6 {
				t.Fatalf("committed = %+v", got)
			}
		})
	}
	if _, err := NewPool(PoolConfig{Replicas: []string{"x"}, Compression: "brotli"}); err == nil {
		t.Fatal("unknown wire compression accepted")
	}
}

func TestNewPoolRequiresReplicas(t *testing.T) {
	if _, err := NewPool(PoolConfig{Shard: "empty"}); err == nil {
		t.Fatal("pool without replicas accepted")
	}
}

func TestClosedPool(t *testing.T) {
	lis := startServer(t, ServerConfig{}, &memorySink{})
	p := newTestPool(t, PoolConfig{}, lis)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Acquire after Close = %v", err)
	}
}

func TestDirSinkStoresAndDeduplicates(t *testing.T) {
	root := t.TempDir()
	sink, err := NewDirSink(root, compression.Config{}, 16)
	if err != nil {
		t.Fatal(err)
	}

	tr := Transfer{
		ID:     "a",
		Source: "relay/1",
		Shard:  "s1",
		Blocks: []*block.Block{
			{Rows: 1, Schema: "s", Data: []byte("one")},
			{Rows: 2, Schema: "s", Data: []byte("two")},
		},
	}
	if err := sink.Commit(context.Background(), tr); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// A retry of the same content under a new send id.
	tr.ID = "b"
	if err := sink.Commit(context.Background(), tr); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Commit = %v, want ErrDuplicate", err)
	}

	dir := sink.Dir("relay/1")
	if filepath.Base(dir) != "relay_1" {
		t.Fatalf("source dir = %s", dir)
	}
	files, err := queue.ListPending(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Key != 1 || files[1].Key != 2 {
		t.Fatalf("stored files = %d", len(files))
	}
	r, err := block.Open(files[1].Path)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Block()
	if err != nil {
		t.Fatal(err)
	}
	if b.Rows != 2 || string(b.Data) != "two" {
		t.Fatalf("stored block = %d %q", b.Rows, b.Data)
	}
}

func TestSourceDirName(t *testing.T) {
	tests := map[string]string{
		"":          "unknown",
		"relay-1":   "relay-1",
		"../etc":    ".._etc",
		"..":        "_",
		"host:9000": "host_9000",
		"a.b_c-D":   "a.b_c-D",
	}
	for in, want := range tests {
		if got := sourceDirName(in); got != want {
			t.Errorf("sourceDirName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestZstdCompressorRoundTrip(t *testing.T) {
	c := &zstdCompressor{}
	if c.Name() != "zstd" {
		t.Fatalf("Name = %q", c.Name())
	}
	var buf bytes.Buffer
	w, err := c.Compress(&buf)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("block payload block payload block payload")
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := c.Decompress(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("round trip = %q", got)
	}
}
