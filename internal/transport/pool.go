package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/szibis/shard-relay/internal/auth"
	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/exporter"
	"github.com/szibis/shard-relay/internal/logging"
	tlspkg "github.com/szibis/shard-relay/internal/tls"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// DefaultMaxMessageSize bounds one block message on the wire.
const DefaultMaxMessageSize = 64 * 1024 * 1024

// PoolConfig configures the connection pool of one shard.
type PoolConfig struct {
	// Shard names the shard the replicas belong to.
	Shard string
	// Replicas lists replica addresses in preference order.
	Replicas []string
	// Source identifies this relay to receivers.
	Source string
	// TLS configuration for secure connections.
	TLS tlspkg.ClientConfig
	// Auth configuration for authentication.
	Auth auth.ClientConfig
	// Compression is the gRPC wire compressor: "", "none", "gzip" or "zstd".
	Compression string
	// CircuitBreakerThreshold is the number of consecutive failures that
	// opens a replica's circuit. Zero disables it.
	CircuitBreakerThreshold int
	// CircuitBreakerResetTimeout is how long an open circuit rejects sends.
	CircuitBreakerResetTimeout time.Duration
	// MaxMessageSize bounds one block message. Zero means DefaultMaxMessageSize.
	MaxMessageSize int
	// DialOptions are appended to the options built from the fields above.
	DialOptions []grpc.DialOption
}

// ReplicaStatus describes one replica of a pool.
type ReplicaStatus struct {
	Address string `json:"address"`
	Circuit string `json:"circuit"`
	Errors  uint64 `json:"errors"`
}

// Pool implements exporter.ConnectionPool over the replicas of one shard.
// Acquire prefers the replica with the fewest recent errors whose circuit
// allows a request, so a failing replica is skipped on the next transfer.
type Pool struct {
	cfg      PoolConfig
	opts     []grpc.DialOption
	replicas []*replica
	log      *logging.NamedLogger

	mu     sync.Mutex
	closed bool
}

type replica struct {
	addr    string
	breaker *exporter.CircuitBreaker
	errors  atomic.Uint64

	mu sync.Mutex
	cc *grpc.ClientConn
}

// NewPool creates a pool. Connections are created lazily on first use.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Replicas) == 0 {
		return nil, fmt.Errorf("shard %s: no replicas configured", cfg.Shard)
	}
	if err := ValidateCompression(cfg.Compression); err != nil {
		return nil, err
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	var opts []grpc.DialOption
	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Auth.IsSet() {
		opts = append(opts, grpc.WithChainStreamInterceptor(auth.GRPCStreamClientInterceptor(cfg.Auth)))
	}
	callOpts := []grpc.CallOption{grpc.MaxCallSendMsgSize(cfg.MaxMessageSize)}
	if cfg.Compression != "" && cfg.Compression != "none" {
		callOpts = append(callOpts, grpc.UseCompressor(cfg.Compression))
	}
	opts = append(opts, grpc.WithDefaultCallOptions(callOpts...))
	opts = append(opts, cfg.DialOptions...)

	p := &Pool{
		cfg:  cfg,
		opts: opts,
		log:  logging.Named("shard_relay.transport." + cfg.Shard),
	}
	for _, addr := range cfg.Replicas {
		r := &replica{
			addr:    addr,
			breaker: exporter.NewCircuitBreaker(addr, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerResetTimeout),
		}
		setReplicaErrors(addr, 0)
		p.replicas = append(p.replicas, r)
	}
	return p, nil
}

// Acquire implements exporter.ConnectionPool.
func (p *Pool) Acquire(ctx context.Context) (exporter.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	var lastErr error
	for _, r := range p.ordered() {
		if !r.breaker.AllowRequest() {
			continue
		}
		cc, err := r.client(p.opts)
		if err != nil {
			p.penalize(r, err)
			lastErr = err
			continue
		}
		return &connection{pool: p, replica: r, cc: cc}, nil
	}

	if lastErr != nil {
		return nil, status.Errorf(codes.Unavailable, "shard %s: no replica available: %v", p.cfg.Shard, lastErr)
	}
	return nil, status.Errorf(codes.Unavailable, "shard %s: every replica circuit is open", p.cfg.Shard)
}

// ordered returns the replicas sorted by error count, keeping configuration
// order among equals.
func (p *Pool) ordered() []*replica {
	out := slices.Clone(p.replicas)
	slices.SortStableFunc(out, func(a, b *replica) int {
		ea, eb := a.errors.Load(), b.errors.Load()
		switch {
		case ea < eb:
			return -1
		case ea > eb:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (p *Pool) penalize(r *replica, err error) {
	r.breaker.RecordFailure()
	n := r.errors.Add(1)
	setReplicaErrors(r.addr, n)
	recordTransfer(r.addr, "failure")
	p.log.Warn("replica send failed", logging.F(
		"replica", r.addr,
		"errors", n,
		"error", err.Error(),
	))
}

// Replicas returns the state of every replica in configuration order.
func (p *Pool) Replicas() []ReplicaStatus {
	out := make([]ReplicaStatus, len(p.replicas))
	for i, r := range p.replicas {
		out[i] = ReplicaStatus{
			Address: r.addr,
			Circuit: r.breaker.State().String(),
			Errors:  r.errors.Load(),
		}
	}
	return out
}

// Close closes every open connection. Acquire fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, r := range p.replicas {
		r.mu.Lock()
		if r.cc != nil {
			errs = append(errs, r.cc.Close())
			r.cc = nil
		}
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (r *replica) client(opts []grpc.DialOption) (*grpc.ClientConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cc != nil {
		return r.cc, nil
	}
	cc, err := grpc.NewClient(r.addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", r.addr, err)
	}
	r.cc = cc
	return cc, nil
}

// connection is one transfer to one replica.
type connection struct {
	pool    *Pool
	replica *replica
	cc      *grpc.ClientConn
}

// SendBlocks implements exporter.Connection.
func (c *connection) SendBlocks(ctx context.Context, blocks iter.Seq2[*block.Block, error]) error {
	sendID := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		SendIDKey, sendID,
		SourceKey, c.pool.cfg.Source,
		ShardKey, c.pool.cfg.Shard,
	)

	stream, err := c.cc.NewStream(ctx, &writeStreamDesc, WriteMethod)
	if err != nil {
		return err
	}

	var n int
	for b, err := range blocks {
		if err != nil {
			// cancel aborts the stream so the receiver drops what it got.
			return err
		}
		raw, err := b.Encoded()
		if err != nil {
			return err
		}
		if err := stream.SendMsg(wrapperspb.Bytes(raw)); err != nil {
			if errors.Is(err, io.EOF) {
				// The receiver ended the stream; its status says why.
				if rerr := stream.RecvMsg(&emptypb.Empty{}); rerr != nil {
					return rerr
				}
				return fmt.Errorf("transfer %s: receiver closed the stream after %d blocks", sendID, n)
			}
			return err
		}
		n++
	}

	if err := stream.CloseSend(); err != nil {
		return err
	}
	if err := stream.RecvMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	c.pool.log.Debug("transfer acknowledged", logging.F(
		"send_id", sendID,
		"replica", c.replica.addr,
		"blocks", n,
	))
	return nil
}

// Release implements exporter.Connection. Only errors that point at the
// replica count against it.
func (c *connection) Release(err error) {
	r := c.replica
	if err == nil {
		r.breaker.RecordSuccess()
		r.errors.Store(0)
		setReplicaErrors(r.addr, 0)
		recordTransfer(r.addr, "success")
		return
	}

	se := exporter.Classify(err)
	switch {
	case se.Type == exporter.ErrorTypeNetwork, se.Type == exporter.ErrorTypeTimeout, se.Type == exporter.ErrorTypeRemote:
		c.pool.penalize(r, err)
	case se.IsMalformed() && se.Remote:
		// The replica answered; the data was at fault.
		r.breaker.RecordSuccess()
		recordTransfer(r.addr, "rejected")
	default:
		r.breaker.Abandon()
		recordTransfer(r.addr, "aborted")
	}
}
