package queue

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/szibis/shard-relay/internal/logging"
)

// BrokenDir returns the quarantine directory of a queue directory.
func BrokenDir(dir string) string {
	return filepath.Join(dir, BrokenDirName)
}

// Quarantine moves path into the broken directory next to it and returns
// the new location. On error the file is left where it was.
func Quarantine(path string, cause error, syncDir bool) (string, error) {
	dir := filepath.Dir(path)
	brokenDir := BrokenDir(dir)
	if err := os.MkdirAll(brokenDir, 0o755); err != nil {
		return "", fmt.Errorf("create broken directory: %w", err)
	}

	dst := filepath.Join(brokenDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move %s to broken directory: %w", filepath.Base(path), err)
	}
	if syncDir {
		for _, d := range []string{dir, brokenDir} {
			if err := syncPath(d); err != nil {
				logging.Warn("failed to sync directory after quarantine", logging.F(
					"dir", d,
					"error", err.Error(),
				))
			}
		}
	}

	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	logging.Error("moved broken block file", logging.F(
		"file", path,
		"broken_path", dst,
		"cause", reason,
	))
	return dst, nil
}

// ListBroken returns the number of quarantined files under dir.
func ListBroken(dir string) (int, error) {
	entries, err := os.ReadDir(BrokenDir(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if _, ok := ParseKey(e.Name()); ok {
			n++
		}
	}
	return n, nil
}
