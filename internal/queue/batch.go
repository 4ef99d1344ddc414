package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/logging"
)

// BatchState marks whether a batch descriptor is still growing.
type BatchState string

const (
	// StateBuilding means members are still being appended.
	StateBuilding BatchState = "building"
	// StateSealed means the membership is final and the batch is ready to send.
	StateSealed BatchState = "sealed"

	batchHeaderVersion = 1
)

// BatchHeader is the durable descriptor of a batch.
type BatchHeader struct {
	Version int        `json:"version"`
	State   BatchState `json:"state"`
	Keys    []uint64   `json:"keys"`
	Rows    uint64     `json:"rows"`
	Bytes   uint64     `json:"bytes"`
	Schema  string     `json:"schema"`
}

// BatchConfig controls batching. Batching is disabled when both thresholds are zero.
type BatchConfig struct {
	MinRows  uint64
	MinBytes uint64
	// DirFsync syncs the descriptor and its directory after every write.
	DirFsync bool
}

// Enabled reports whether files are merged into batches.
func (c BatchConfig) Enabled() bool {
	return c.MinRows > 0 || c.MinBytes > 0
}

func (c BatchConfig) reached(h *BatchHeader) bool {
	return (c.MinRows > 0 && h.Rows >= c.MinRows) || (c.MinBytes > 0 && h.Bytes >= c.MinBytes)
}

// BlockError reports a block that could not be read for sending.
type BlockError struct {
	Key uint64
	Err error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block %d: %v", e.Key, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

// Unit is one atomic transfer: a single file, or a sealed batch whose
// descriptor lives at HeaderPath.
type Unit struct {
	Files      []*File
	Batch      *BatchHeader
	HeaderPath string
}

// IsBatch reports whether the unit is backed by a batch descriptor.
func (u Unit) IsBatch() bool {
	return u.Batch != nil
}

// Keys returns the member keys in send order.
func (u Unit) Keys() []uint64 {
	keys := make([]uint64, len(u.Files))
	for i, f := range u.Files {
		keys[i] = f.Key
	}
	return keys
}

// DiskBytes returns the on-disk size of the members.
func (u Unit) DiskBytes() int64 {
	return TotalSize(u.Files)
}

// Paths returns every path removed once the unit is delivered. The
// descriptor comes last so members are gone before it is.
func (u Unit) Paths() []string {
	paths := make([]string, 0, len(u.Files)+1)
	for _, f := range u.Files {
		paths = append(paths, f.Path)
	}
	if u.IsBatch() {
		paths = append(paths, u.HeaderPath)
	}
	return paths
}

// Counts returns the rows and uncompressed bytes carried by the unit.
func (u Unit) Counts() (rows, bytes uint64) {
	if u.IsBatch() {
		return u.Batch.Rows, u.Batch.Bytes
	}
	for _, f := range u.Files {
		if h, err := f.Header(); err == nil {
			rows += h.Rows
			bytes += h.Bytes
		}
	}
	return rows, bytes
}

// Blocks iterates over the unit's blocks in key order. Iteration stops after
// the first error, which is a *BlockError naming the offending key.
func (u Unit) Blocks() iter.Seq2[*block.Block, error] {
	return func(yield func(*block.Block, error) bool) {
		for _, f := range u.Files {
			b, err := readBlock(f.Path)
			if err != nil {
				yield(nil, &BlockError{Key: f.Key, Err: err})
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

func readBlock(path string) (*block.Block, error) {
	r, err := block.Open(path)
	if err != nil {
		return nil, err
	}
	return r.Block()
}

// Builder groups pending files into units and owns the batch descriptor of
// one queue directory.
type Builder struct {
	dir   string
	shard string
	cfg   BatchConfig
	log   *logging.NamedLogger
}

// NewBuilder creates a Builder for dir.
func NewBuilder(dir, shard string, cfg BatchConfig, log *logging.NamedLogger) *Builder {
	return &Builder{dir: dir, shard: shard, cfg: cfg, log: log}
}

// HeaderPath returns the path of the batch descriptor.
func (b *Builder) HeaderPath() string {
	return filepath.Join(b.dir, BatchFileName)
}

// Build groups files (ascending by key) into units. At most one batch is
// produced per call because a directory has a single descriptor: the batch
// is always the last unit, and rest holds the files after it.
//
// A descriptor left by an earlier pass is resumed first. A sealed one is
// returned as is; a building one keeps growing from the file after its last
// member.
func (b *Builder) Build(files []*File) (units []Unit, rest []*File, err error) {
	if !b.cfg.Enabled() {
		if err := b.Discard(); err != nil {
			return nil, nil, err
		}
		units = make([]Unit, len(files))
		for i, f := range files {
			units[i] = Unit{Files: []*File{f}}
		}
		return units, nil, nil
	}

	cur, members := b.resume(files)
	if cur != nil && cur.State == StateBuilding && b.cfg.reached(cur) {
		if err := b.seal(cur); err != nil {
			return nil, nil, err
		}
	}
	if cur != nil && cur.State == StateSealed {
		return []Unit{b.unit(cur, members)}, files[len(members):], nil
	}
	files = files[len(members):]

	for i, f := range files {
		h, herr := f.Header()
		if herr != nil {
			// Unreadable members would poison the whole batch; the sender
			// reports them on their own so only this file is quarantined.
			if cur != nil {
				if err := b.seal(cur); err != nil {
					return nil, nil, err
				}
				return append(units, b.unit(cur, members)), files[i:], nil
			}
			units = append(units, Unit{Files: []*File{f}})
			continue
		}

		if cur != nil && h.Schema != cur.Schema {
			if err := b.seal(cur); err != nil {
				return nil, nil, err
			}
			return append(units, b.unit(cur, members)), files[i:], nil
		}
		if cur == nil {
			cur = &BatchHeader{Version: batchHeaderVersion, State: StateBuilding, Schema: h.Schema}
			members = nil
		}
		cur.Keys = append(cur.Keys, f.Key)
		cur.Rows += h.Rows
		cur.Bytes += h.Bytes
		members = append(members, f)

		if b.cfg.reached(cur) {
			if err := b.seal(cur); err != nil {
				return nil, nil, err
			}
			return append(units, b.unit(cur, members)), files[i+1:], nil
		}
		if err := b.persist(cur); err != nil {
			return nil, nil, err
		}
	}

	if cur != nil {
		if err := b.seal(cur); err != nil {
			return nil, nil, err
		}
		units = append(units, b.unit(cur, members))
	}
	return units, nil, nil
}

// Discard removes the batch descriptor. Member files stay as standalone
// queue files.
func (b *Builder) Discard() error {
	err := os.Remove(b.HeaderPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove batch descriptor: %w", err)
	}
	return nil
}

// LoadBatchHeader reads a batch descriptor.
func LoadBatchHeader(path string) (*BatchHeader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h BatchHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse batch descriptor: %w", err)
	}
	if h.Version != batchHeaderVersion {
		return nil, fmt.Errorf("unsupported batch descriptor version %d", h.Version)
	}
	if h.State != StateBuilding && h.State != StateSealed {
		return nil, fmt.Errorf("unknown batch state %q", h.State)
	}
	return &h, nil
}

// resume loads the descriptor and matches it against files. The surviving
// members must be the lowest pending keys, otherwise sending the batch would
// overtake an older file and the descriptor is dropped.
func (b *Builder) resume(files []*File) (*BatchHeader, []*File) {
	h, err := LoadBatchHeader(b.HeaderPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.log.Warn("discarding unreadable batch descriptor", logging.F("error", err.Error()))
			b.discardQuietly()
		}
		return nil, nil
	}

	wanted := make(map[uint64]struct{}, len(h.Keys))
	for _, k := range h.Keys {
		wanted[k] = struct{}{}
	}
	var members []*File
	for _, f := range files {
		if _, ok := wanted[f.Key]; !ok {
			break
		}
		members = append(members, f)
	}
	present := 0
	for _, f := range files {
		if _, ok := wanted[f.Key]; ok {
			present++
		}
	}
	if len(members) == 0 || present != len(members) {
		if len(h.Keys) > 0 {
			b.log.Warn("discarding stale batch descriptor", logging.F(
				"keys", len(h.Keys),
				"present", present,
			))
		}
		b.discardQuietly()
		return nil, nil
	}

	if len(members) != len(h.Keys) {
		// Some members vanished: recount from the survivors.
		h.Keys = h.Keys[:0]
		h.Rows, h.Bytes = 0, 0
		for _, f := range members {
			fh, err := f.Header()
			if err != nil {
				b.log.Warn("discarding batch descriptor with unreadable member", logging.F(
					"key", f.Key,
					"error", err.Error(),
				))
				b.discardQuietly()
				return nil, nil
			}
			h.Keys = append(h.Keys, f.Key)
			h.Rows += fh.Rows
			h.Bytes += fh.Bytes
		}
		if err := b.persist(h); err != nil {
			b.log.Warn("failed to rewrite batch descriptor", logging.F("error", err.Error()))
			b.discardQuietly()
			return nil, nil
		}
	}

	b.log.Info("resuming batch", logging.F(
		"state", string(h.State),
		"files", len(members),
		"rows", h.Rows,
		"bytes", h.Bytes,
	))
	return h, members
}

func (b *Builder) discardQuietly() {
	if err := b.Discard(); err != nil {
		b.log.Warn("failed to remove batch descriptor", logging.F("error", err.Error()))
	}
}

func (b *Builder) unit(h *BatchHeader, members []*File) Unit {
	return Unit{Files: members, Batch: h, HeaderPath: b.HeaderPath()}
}

func (b *Builder) seal(h *BatchHeader) error {
	h.State = StateSealed
	return b.persist(h)
}

// persist writes the descriptor atomically via a temporary file.
func (b *Builder) persist(h *BatchHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}

	tmpPath := b.HeaderPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write batch descriptor: %w", err)
	}
	if b.cfg.DirFsync {
		if err := syncPath(tmpPath); err != nil {
			return fmt.Errorf("sync batch descriptor: %w", err)
		}
	}
	if err := os.Rename(tmpPath, b.HeaderPath()); err != nil {
		return fmt.Errorf("rename batch descriptor: %w", err)
	}
	if b.cfg.DirFsync {
		if err := syncPath(b.dir); err != nil {
			return fmt.Errorf("sync queue directory: %w", err)
		}
	}
	batchHeaderWritesTotal.WithLabelValues(b.shard).Inc()
	return nil
}

func syncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
