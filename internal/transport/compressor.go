package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
)

const zstdName = "zstd"

func init() {
	// Register zstd compressor for gRPC
	encoding.RegisterCompressor(&zstdCompressor{})
}

// ValidateCompression checks a wire compressor name. The empty string and
// "none" disable wire compression.
func ValidateCompression(name string) error {
	switch name {
	case "", "none":
		return nil
	}
	if encoding.GetCompressor(name) == nil {
		return fmt.Errorf("unsupported wire compression %q", name)
	}
	return nil
}

// zstdCompressor implements grpc encoding.Compressor for zstd.
type zstdCompressor struct{}

var (
	zstdEncoders = sync.Pool{
		New: func() any {
			w, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return w
		},
	}
	zstdDecoders = sync.Pool{
		New: func() any {
			r, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return r
		},
	}
)

func (c *zstdCompressor) Name() string {
	return zstdName
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc := zstdEncoders.Get().(*zstd.Encoder)
	enc.Reset(w)
	return &pooledEncoder{Encoder: enc}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec := zstdDecoders.Get().(*zstd.Decoder)
	if err := dec.Reset(r); err != nil {
		zstdDecoders.Put(dec)
		return nil, err
	}
	return &pooledDecoder{dec: dec}, nil
}

type pooledEncoder struct {
	*zstd.Encoder
}

func (p *pooledEncoder) Close() error {
	err := p.Encoder.Close()
	p.Encoder.Reset(nil)
	zstdEncoders.Put(p.Encoder)
	return err
}

// pooledDecoder returns its decoder to the pool once the message is fully read.
type pooledDecoder struct {
	dec *zstd.Decoder
}

func (p *pooledDecoder) Read(b []byte) (int, error) {
	if p.dec == nil {
		return 0, io.EOF
	}
	n, err := p.dec.Read(b)
	if err == io.EOF {
		_ = p.dec.Reset(nil)
		zstdDecoders.Put(p.dec)
		p.dec = nil
	}
	return n, err
}
