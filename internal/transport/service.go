// Package transport carries queue units to remote shards over gRPC.
//
// A transfer is one client stream of the BlockService Write method: every
// request message holds one encoded block file, and the receiver answers only
// after the client closed its side, so an acknowledged transfer was committed
// as a whole.
package transport

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "shardrelay.v1.BlockService"
	// WriteMethod is the full method name of the block stream.
	WriteMethod = "/" + ServiceName + "/Write"

	// SendIDKey carries the unique id of a transfer. A retried transfer gets a new id.
	SendIDKey = "x-shard-relay-send-id"
	// SourceKey names the sending relay.
	SourceKey = "x-shard-relay-source"
	// ShardKey names the shard the sender is draining.
	ShardKey = "x-shard-relay-shard"
)

// BlockServiceServer is implemented by the receiver.
type BlockServiceServer interface {
	Write(stream grpc.ServerStream) error
}

var writeStreamDesc = grpc.StreamDesc{
	StreamName:    "Write",
	Handler:       writeHandler,
	ClientStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BlockServiceServer)(nil),
	Streams:     []grpc.StreamDesc{writeStreamDesc},
	Metadata:    "shardrelay/v1/block.proto",
}

func writeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BlockServiceServer).Write(stream)
}

// RegisterBlockServiceServer registers srv on s.
func RegisterBlockServiceServer(s grpc.ServiceRegistrar, srv BlockServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
