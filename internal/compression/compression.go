// Package compression implements the payload codecs used inside queued block files.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone means no compression.
	TypeNone Type = "none"
	// TypeGzip uses gzip compression.
	TypeGzip Type = "gzip"
	// TypeZstd uses zstd compression.
	TypeZstd Type = "zstd"
	// TypeSnappy uses snappy block compression.
	TypeSnappy Type = "snappy"
	// TypeZlib uses zlib compression.
	TypeZlib Type = "zlib"
	// TypeDeflate uses raw deflate compression.
	TypeDeflate Type = "deflate"
	// TypeLZ4 uses lz4 frame compression.
	TypeLZ4 Type = "lz4"
)

// Level is an algorithm-specific compression level. Zero picks the codec default.
type Level int

const (
	// LevelDefault uses the default level of the algorithm.
	LevelDefault Level = 0
	// LevelFastest favours speed over ratio.
	LevelFastest Level = 1
	// LevelBest favours ratio over speed.
	LevelBest Level = 9
)

// Config selects the codec of new blocks.
type Config struct {
	Type  Type
	Level Level
}

type codec struct {
	// id is written into block headers. Never renumber.
	id         byte
	compress   func(data []byte, level Level) ([]byte, error)
	decompress func(data []byte) ([]byte, error)
}

var codecs = map[Type]codec{
	TypeNone: {
		id:         0,
		compress:   func(data []byte, _ Level) ([]byte, error) { return data, nil },
		decompress: func(data []byte) ([]byte, error) { return data, nil },
	},
	TypeGzip: {
		id: 1,
		compress: func(data []byte, level Level) ([]byte, error) {
			return stream(data, func(w io.Writer) (io.WriteCloser, error) {
				return gzip.NewWriterLevel(w, flateLevel(level, gzip.DefaultCompression))
			})
		},
		decompress: func(data []byte) ([]byte, error) {
			r, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return io.ReadAll(r)
		},
	},
	TypeZstd: {
		id:         2,
		compress:   compressZstd,
		decompress: decompressZstd,
	},
	TypeSnappy: {
		id: 3,
		compress: func(data []byte, _ Level) ([]byte, error) {
			return snappy.Encode(nil, data), nil
		},
		decompress: func(data []byte) ([]byte, error) {
			return snappy.Decode(nil, data)
		},
	},
	TypeZlib: {
		id: 4,
		compress: func(data []byte, level Level) ([]byte, error) {
			return stream(data, func(w io.Writer) (io.WriteCloser, error) {
				return zlib.NewWriterLevel(w, flateLevel(level, zlib.DefaultCompression))
			})
		},
		decompress: func(data []byte) ([]byte, error) {
			r, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return io.ReadAll(r)
		},
	},
	TypeDeflate: {
		id: 5,
		compress: func(data []byte, level Level) ([]byte, error) {
			return stream(data, func(w io.Writer) (io.WriteCloser, error) {
				return flate.NewWriter(w, flateLevel(level, flate.DefaultCompression))
			})
		},
		decompress: func(data []byte) ([]byte, error) {
			r := flate.NewReader(bytes.NewReader(data))
			defer r.Close()
			return io.ReadAll(r)
		},
	},
	TypeLZ4: {
		id:       6,
		compress: compressLZ4,
		decompress: func(data []byte) ([]byte, error) {
			return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		},
	},
}

// ValidateLevel reports whether level is usable with t. Zero is always valid.
func ValidateLevel(t Type, level Level) error {
	if level == LevelDefault {
		return nil
	}
	lo, hi := LevelFastest, LevelBest
	switch normalize(t) {
	case TypeNone, TypeSnappy:
		return fmt.Errorf("%s compression takes no level", normalize(t))
	case TypeGzip, TypeZlib, TypeDeflate:
		lo = -2
	}
	if level < lo || level > hi {
		return fmt.Errorf("%s compression level %d out of range [%d, %d]", normalize(t), level, lo, hi)
	}
	return nil
}

// ParseType parses a compression name. The empty string means none.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TypeNone, nil
	}
	if _, ok := codecs[t]; !ok {
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
	return t, nil
}

// Code returns the one-byte codec id stored in block headers.
func (t Type) Code() byte {
	return codecs[normalize(t)].id
}

// TypeFromCode maps a codec id back to its Type.
func TypeFromCode(id byte) (Type, error) {
	for t, c := range codecs {
		if c.id == id {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("unknown codec id: %d", id)
}

// Compress compresses data with the configured codec. TypeNone returns data
// unchanged.
func Compress(data []byte, cfg Config) ([]byte, error) {
	c, ok := codecs[normalize(cfg.Type)]
	if !ok {
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
	out, err := c.compress(data, cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%s compress: %w", normalize(cfg.Type), err)
	}
	return out, nil
}

// Decompress reverses Compress.
func Decompress(data []byte, t Type) ([]byte, error) {
	c, ok := codecs[normalize(t)]
	if !ok {
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	out, err := c.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", normalize(t), err)
	}
	return out, nil
}

func normalize(t Type) Type {
	if t == "" {
		return TypeNone
	}
	return t
}

func stream(data []byte, open func(io.Writer) (io.WriteCloser, error)) ([]byte, error) {
	var buf bytes.Buffer
	w, err := open(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flateLevel(level Level, def int) int {
	if level == LevelDefault {
		return def
	}
	return int(min(level, LevelBest))
}

// compressZstd maps levels 1-9 onto the four zstd encoder speeds.
func compressZstd(data []byte, level Level) ([]byte, error) {
	speed := zstd.SpeedDefault
	switch {
	case level == LevelDefault:
	case level <= 2:
		speed = zstd.SpeedFastest
	case level <= 5:
		speed = zstd.SpeedDefault
	case level <= 8:
		speed = zstd.SpeedBetterCompression
	default:
		speed = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(speed), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

// compressLZ4 maps levels 1-9 onto lz4.Level1..Level9.
func compressLZ4(data []byte, level Level) ([]byte, error) {
	return stream(data, func(w io.Writer) (io.WriteCloser, error) {
		lw := lz4.NewWriter(w)
		if level != LevelDefault {
			lvl := lz4Levels[min(max(level, LevelFastest), LevelBest)-1]
			if err := lw.Apply(lz4.CompressionLevelOption(lvl)); err != nil {
				return nil, err
			}
		}
		return lw, nil
	})
}
