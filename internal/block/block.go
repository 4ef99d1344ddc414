// Package block implements the on-disk encoding of a queued insert block.
//
// A block file is a fixed header followed by the schema and the (optionally
// compressed) payload:
//
//	magic "SRB1" | version u8 | codec u8 | rows u64 | raw bytes u64 |
//	payload length u64 | xxhash64(payload) u64 | schema length u16 | schema | payload
//
// All integers are big endian. The header alone is enough to report row and
// byte counts, so scanners never have to read or decompress the payload.
package block

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/szibis/shard-relay/internal/compression"
)

const (
	// Magic identifies a block file.
	Magic = "SRB1"
	// Version is the current block format version.
	Version uint8 = 1

	fixedHeaderSize = 4 + 1 + 1 + 8 + 8 + 8 + 8 + 2
)

var (
	// ErrMalformed is returned when a block fails to parse or validate.
	ErrMalformed = errors.New("malformed block")
	// ErrUnreadable is returned when a block file cannot be opened or read.
	ErrUnreadable = errors.New("unreadable block")
)

// Block is one decoded insert block.
type Block struct {
	Rows   uint64
	Schema string
	Data   []byte

	// Raw is the encoded form the block was decoded from, nil for blocks
	// built in memory.
	Raw []byte
}

// Encoded returns the wire form of b, reusing Raw when present.
func (b *Block) Encoded() ([]byte, error) {
	if b.Raw != nil {
		return b.Raw, nil
	}
	return Encode(b, compression.Config{})
}

// Header describes an encoded block without its payload.
type Header struct {
	Version    uint8
	Codec      compression.Type
	Rows       uint64
	Bytes      uint64
	PayloadLen uint64
	Checksum   uint64
	Schema     string
}

// Size returns the encoded size of the header including the schema.
func (h Header) Size() int64 {
	return int64(fixedHeaderSize + len(h.Schema))
}

// Encode serializes b, compressing the payload with cfg.
func Encode(b *Block, cfg compression.Config) ([]byte, error) {
	if len(b.Schema) > math.MaxUint16 {
		return nil, fmt.Errorf("schema too long: %d bytes", len(b.Schema))
	}
	payload, err := compression.Compress(b.Data, cfg)
	if err != nil {
		return nil, fmt.Errorf("compress block: %w", err)
	}

	buf := bytes.NewBuffer(make([]byte, 0, fixedHeaderSize+len(b.Schema)+len(payload)))
	buf.WriteString(Magic)
	buf.WriteByte(Version)
	buf.WriteByte(cfg.Type.Code())
	var scratch [8]byte
	for _, v := range []uint64{b.Rows, uint64(len(b.Data)), uint64(len(payload)), xxhash.Sum64(payload)} {
		binary.BigEndian.PutUint64(scratch[:], v)
		buf.Write(scratch[:])
	}
	binary.BigEndian.PutUint16(scratch[:2], uint16(len(b.Schema)))
	buf.Write(scratch[:2])
	buf.WriteString(b.Schema)
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses and validates a full encoded block.
func Decode(raw []byte) (*Block, error) {
	h, err := readHeader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	b, err := h.decodePayload(raw[h.Size():])
	if err != nil {
		return nil, err
	}
	b.Raw = raw
	return b, nil
}

// WriteFile encodes b and writes it to path, syncing before close.
// It returns the number of bytes written.
func WriteFile(path string, b *Block, cfg compression.Config) (int64, error) {
	raw, err := Encode(b, cfg)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	return int64(len(raw)), f.Close()
}

func readHeader(r io.Reader) (Header, error) {
	var fixed [fixedHeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Header{}, fmt.Errorf("%w: short header: %v", ErrMalformed, err)
	}
	if string(fixed[:4]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrMalformed, fixed[:4])
	}
	h := Header{Version: fixed[4]}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, h.Version)
	}
	codec, err := compression.TypeFromCode(fixed[5])
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	h.Codec = codec
	h.Rows = binary.BigEndian.Uint64(fixed[6:14])
	h.Bytes = binary.BigEndian.Uint64(fixed[14:22])
	h.PayloadLen = binary.BigEndian.Uint64(fixed[22:30])
	h.Checksum = binary.BigEndian.Uint64(fixed[30:38])

	schema := make([]byte, binary.BigEndian.Uint16(fixed[38:40]))
	if _, err := io.ReadFull(r, schema); err != nil {
		return Header{}, fmt.Errorf("%w: short schema: %v", ErrMalformed, err)
	}
	h.Schema = string(schema)
	return h, nil
}

func (h Header) verify(payload []byte) error {
	if uint64(len(payload)) != h.PayloadLen {
		return fmt.Errorf("%w: payload length %d, header says %d", ErrMalformed, len(payload), h.PayloadLen)
	}
	if sum := xxhash.Sum64(payload); sum != h.Checksum {
		return fmt.Errorf("%w: checksum mismatch %016x != %016x", ErrMalformed, sum, h.Checksum)
	}
	return nil
}

func (h Header) decodePayload(payload []byte) (*Block, error) {
	if err := h.verify(payload); err != nil {
		return nil, err
	}
	data, err := compression.Decompress(payload, h.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if uint64(len(data)) != h.Bytes {
		return nil, fmt.Errorf("%w: decoded %d bytes, header says %d", ErrMalformed, len(data), h.Bytes)
	}
	return &Block{Rows: h.Rows, Schema: h.Schema, Data: data}, nil
}
