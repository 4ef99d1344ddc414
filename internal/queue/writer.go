package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/compression"
	"github.com/szibis/shard-relay/internal/logging"
)

// Writer appends new block files to a queue directory. Keys grow
// monotonically and files appear in the directory only once complete.
type Writer struct {
	mu          sync.Mutex
	dir         string
	shard       string
	compression compression.Config
	nextKey     uint64
}

// OpenWriter prepares dir for writing and picks the next key above every
// key already present in the queue, its broken directory and its batch
// descriptor.
func OpenWriter(dir, shard string, cfg compression.Config) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, TmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	if err := cleanupTmp(dir); err != nil {
		return nil, err
	}

	maxKey, err := maxExistingKey(dir)
	if err != nil {
		return nil, err
	}
	return &Writer{
		dir:         dir,
		shard:       shard,
		compression: cfg,
		nextKey:     maxKey + 1,
	}, nil
}

// Dir returns the current queue directory.
func (w *Writer) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Enqueue writes one block and returns its key.
func (w *Writer) Enqueue(rows uint64, schema string, data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := w.nextKey
	name := FileName(key)
	tmpPath := filepath.Join(w.dir, TmpDirName, name)
	n, err := block.WriteFile(tmpPath, &block.Block{Rows: rows, Schema: schema, Data: data}, w.compression)
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("write block %d: %w", key, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(w.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("publish block %d: %w", key, err)
	}
	w.nextKey++

	enqueuedFilesTotal.WithLabelValues(w.shard).Inc()
	enqueuedBytesTotal.WithLabelValues(w.shard).Add(float64(n))
	return key, nil
}

// Move renames the queue directory to newDir. No write is in progress
// while the rename runs.
func (w *Writer) Move(newDir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if newDir == w.dir {
		return nil
	}
	if _, err := os.Stat(newDir); err == nil {
		return fmt.Errorf("target directory %s already exists", newDir)
	}
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", newDir, err)
	}
	if err := os.Rename(w.dir, newDir); err != nil {
		return fmt.Errorf("move queue directory: %w", err)
	}
	logging.Info("queue directory moved", logging.F(
		"shard", w.shard,
		"from", w.dir,
		"to", newDir,
	))
	w.dir = newDir
	return nil
}

func cleanupTmp(dir string) error {
	tmpDir := filepath.Join(dir, TmpDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return fmt.Errorf("list tmp directory: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(tmpDir, e.Name())); err != nil {
			return fmt.Errorf("remove partial block %s: %w", e.Name(), err)
		}
	}
	if len(entries) > 0 {
		logging.Warn("removed partially written blocks", logging.F(
			"dir", tmpDir,
			"count", len(entries),
		))
	}
	return nil
}

func maxExistingKey(dir string) (uint64, error) {
	var maxKey uint64
	for _, d := range []string{dir, BrokenDir(dir)} {
		entries, err := os.ReadDir(d)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, fmt.Errorf("scan %s: %w", d, err)
		}
		for _, e := range entries {
			if key, ok := ParseKey(e.Name()); ok && key > maxKey {
				maxKey = key
			}
		}
	}
	if h, err := LoadBatchHeader(filepath.Join(dir, BatchFileName)); err == nil {
		for _, key := range h.Keys {
			if key > maxKey {
				maxKey = key
			}
		}
	}
	return maxKey, nil
}
