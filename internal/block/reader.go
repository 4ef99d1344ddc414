package block

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Reader gives access to one block file. Open reads only the header; the
// payload is loaded on demand by Raw or Block.
type Reader struct {
	path   string
	header Header
}

// Open reads the header of the block file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, unreadable(path, err)
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Reader{path: path, header: h}, nil
}

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// Header returns the parsed header.
func (r *Reader) Header() Header { return r.header }

// Rows returns the row count recorded in the header.
func (r *Reader) Rows() uint64 { return r.header.Rows }

// Bytes returns the uncompressed payload size recorded in the header.
func (r *Reader) Bytes() uint64 { return r.header.Bytes }

// Raw returns the complete encoded file after validating its checksum.
// The bytes are what a remote receiver decodes with Decode.
func (r *Reader) Raw() ([]byte, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, unreadable(r.path, err)
	}
	size := r.header.Size()
	if int64(len(raw)) < size {
		return nil, fmt.Errorf("%s: %w: file shrank below header size", r.path, ErrMalformed)
	}
	if err := r.header.verify(raw[size:]); err != nil {
		return nil, fmt.Errorf("%s: %w", r.path, err)
	}
	return raw, nil
}

// Block reads, validates and decompresses the block.
func (r *Reader) Block() (*Block, error) {
	raw, err := r.Raw()
	if err != nil {
		return nil, err
	}
	b, err := r.header.decodePayload(raw[r.header.Size():])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.path, err)
	}
	b.Raw = raw
	return b, nil
}

func unreadable(path string, err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w: %v", path, ErrMalformed, err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w: file does not exist", path, ErrUnreadable)
	}
	return fmt.Errorf("%s: %w: %v", path, ErrUnreadable, err)
}
