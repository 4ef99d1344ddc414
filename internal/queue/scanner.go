// Package queue implements the on-disk queue of a remote shard: scanning
// pending block files, grouping them into batches, quarantining broken files
// and writing new ones.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/szibis/shard-relay/internal/block"
)

const (
	// FileExt is the extension of queued block files.
	FileExt = ".bin"
	// BatchFileName is the reserved name of the batch descriptor.
	BatchFileName = "current_batch.txt"
	// BrokenDirName is the quarantine subdirectory.
	BrokenDirName = "broken"
	// TmpDirName holds files being written by the producer.
	TmpDirName = "tmp"
)

// File is one pending block file.
type File struct {
	Key      uint64
	Path     string
	DiskSize int64

	header    block.Header
	headerErr error
	loaded    bool
}

// Header returns the block header, reading it on first use.
func (f *File) Header() (block.Header, error) {
	if !f.loaded {
		r, err := block.Open(f.Path)
		if err != nil {
			f.headerErr = err
		} else {
			f.header = r.Header()
		}
		f.loaded = true
	}
	return f.header, f.headerErr
}

// ParseKey extracts the ordering key from a queue file name.
func ParseKey(name string) (uint64, bool) {
	stem, ok := strings.CutSuffix(name, FileExt)
	if !ok || stem == "" {
		return 0, false
	}
	key, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return key, true
}

// FileName returns the queue file name for key.
func FileName(key uint64) string {
	return strconv.FormatUint(key, 10) + FileExt
}

// ListPending returns the block files in dir ordered by ascending key.
// Entries that are not queue files are ignored. A missing directory is empty.
func ListPending(dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list queue directory %s: %w", dir, err)
	}

	files := make([]*File, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		key, ok := ParseKey(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, &File{
			Key:      key,
			Path:     filepath.Join(dir, entry.Name()),
			DiskSize: info.Size(),
		})
	}
	slices.SortFunc(files, func(a, b *File) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return files, nil
}

// TotalSize sums the on-disk size of files.
func TotalSize(files []*File) int64 {
	var n int64
	for _, f := range files {
		n += f.DiskSize
	}
	return n
}
