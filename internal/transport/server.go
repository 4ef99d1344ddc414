package transport

import (
	"errors"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/szibis/shard-relay/internal/auth"
	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/logging"
	tlspkg "github.com/szibis/shard-relay/internal/tls"
)

// ServerConfig holds the receiver configuration.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string
	// TLS configuration for secure connections.
	TLS tlspkg.ServerConfig
	// Auth configuration for authentication.
	Auth auth.ServerConfig
	// MaxMessageSize bounds one block message. Zero means DefaultMaxMessageSize.
	MaxMessageSize int
}

// Server receives block transfers and commits them to a Sink.
type Server struct {
	server *grpc.Server
	sink   Sink
	addr   string
	log    *logging.NamedLogger
}

// NewServer creates a receiver.
func NewServer(cfg ServerConfig, sink Sink) (*Server, error) {
	maxMsgSize := cfg.MaxMessageSize
	if maxMsgSize <= 0 {
		maxMsgSize = DefaultMaxMessageSize
	}
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	if cfg.Auth.Enabled {
		opts = append(opts, grpc.ChainStreamInterceptor(auth.GRPCStreamServerInterceptor(cfg.Auth)))
	}

	s := &Server{
		server: grpc.NewServer(opts...),
		sink:   sink,
		addr:   cfg.Addr,
		log:    logging.Named("shard_relay.receiver"),
	}
	RegisterBlockServiceServer(s.server, s)
	return s, nil
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info("receiver started", logging.F("addr", lis.Addr().String()))
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop gracefully stops the server, letting in-flight transfers finish.
func (s *Server) Stop() {
	s.server.GracefulStop()
}

// Write implements BlockServiceServer. Blocks are decoded as they arrive and
// committed together once the client closes its side of the stream.
func (s *Server) Write(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	t := Transfer{
		ID:     firstValue(md, SendIDKey),
		Source: firstValue(md, SourceKey),
		Shard:  firstValue(md, ShardKey),
	}

	for {
		var msg wrapperspb.BytesValue
		err := stream.RecvMsg(&msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			incrementReceiverError("read")
			return err
		}
		b, err := block.Decode(msg.GetValue())
		if err != nil {
			incrementReceiverError("decode")
			s.log.Warn("rejecting transfer with malformed block", logging.F(
				"send_id", t.ID,
				"source", t.Source,
				"block", len(t.Blocks)+1,
				"error", err.Error(),
			))
			return status.Errorf(codes.InvalidArgument, "block %d: %v", len(t.Blocks)+1, err)
		}
		t.Blocks = append(t.Blocks, b)
	}

	err := s.sink.Commit(stream.Context(), t)
	switch {
	case errors.Is(err, ErrDuplicate):
		receiverDuplicatesTotal.Inc()
		s.log.Info("duplicate transfer acknowledged", logging.F("send_id", t.ID, "source", t.Source))
	case err != nil:
		incrementReceiverError("commit")
		s.log.Error("failed to commit transfer", logging.F(
			"send_id", t.ID,
			"source", t.Source,
			"error", err.Error(),
		))
		return status.Errorf(codes.Internal, "commit transfer: %v", err)
	default:
		recordCommitted(len(t.Blocks), t.Rows())
	}
	return stream.SendMsg(&emptypb.Empty{})
}
