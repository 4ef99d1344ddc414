package transport

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/szibis/shard-relay/internal/block"
	"github.com/szibis/shard-relay/internal/compression"
	"github.com/szibis/shard-relay/internal/queue"
)

// Transfer is one acknowledged unit as seen by the receiver.
type Transfer struct {
	ID     string
	Source string
	Shard  string
	Blocks []*block.Block
}

// Rows returns the total row count of the transfer.
func (t Transfer) Rows() uint64 {
	var rows uint64
	for _, b := range t.Blocks {
		rows += b.Rows
	}
	return rows
}

// Token identifies the transfer content: the hash of the source, the shard
// and every encoded block in order. A transfer resent after a lost
// acknowledgement has the same token.
func (t Transfer) Token() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(t.Source)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(t.Shard)
	for _, b := range t.Blocks {
		_, _ = d.WriteString("\x00")
		if raw, err := b.Encoded(); err == nil {
			_, _ = d.Write(raw)
		}
	}
	return d.Sum64()
}

// Sink stores committed transfers. Commit must be all or nothing from the
// sender's point of view: an error makes the sender retry the whole transfer.
type Sink interface {
	Commit(ctx context.Context, t Transfer) error
}

// ErrDuplicate is returned by DirSink.Commit for content it stored recently.
var ErrDuplicate = errors.New("transfer already committed")

// DirSink stores every committed block as a queue file under
// <path>/<source>/, so a receiver can itself be drained by a relay.
type DirSink struct {
	path string
	cfg  compression.Config
	seen *lru.Cache[uint64, struct{}]

	mu      sync.Mutex
	writers map[string]*queue.Writer
}

// NewDirSink creates a DirSink. The tokens of the last dedupWindow transfers
// are remembered to drop transfers retried after a lost acknowledgement.
func NewDirSink(path string, cfg compression.Config, dedupWindow int) (*DirSink, error) {
	if path == "" {
		return nil, errors.New("dir sink: path is required")
	}
	if dedupWindow <= 0 {
		dedupWindow = 4096
	}
	seen, err := lru.New[uint64, struct{}](dedupWindow)
	if err != nil {
		return nil, err
	}
	return &DirSink{
		path:    path,
		cfg:     cfg,
		seen:    seen,
		writers: make(map[string]*queue.Writer),
	}, nil
}

// Commit implements Sink. Blocks of one transfer are written in order under a
// lock, so they get consecutive keys.
func (s *DirSink) Commit(_ context.Context, t Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := t.Token()
	if s.seen.Contains(token) {
		return ErrDuplicate
	}
	w, err := s.writer(t.Source)
	if err != nil {
		return err
	}
	for i, b := range t.Blocks {
		if _, err := w.Enqueue(b.Rows, b.Schema, b.Data); err != nil {
			return fmt.Errorf("store block %d of transfer %s: %w", i+1, t.ID, err)
		}
	}
	s.seen.Add(token, struct{}{})
	return nil
}

// Dir returns the directory holding blocks from source.
func (s *DirSink) Dir(source string) string {
	return filepath.Join(s.path, sourceDirName(source))
}

func (s *DirSink) writer(source string) (*queue.Writer, error) {
	name := sourceDirName(source)
	if w, ok := s.writers[name]; ok {
		return w, nil
	}
	w, err := queue.OpenWriter(filepath.Join(s.path, name), "receiver."+name, s.cfg)
	if err != nil {
		return nil, err
	}
	s.writers[name] = w
	return w, nil
}

// sourceDirName maps a sender-provided name to a single safe path element.
func sourceDirName(source string) string {
	if source == "" {
		return "unknown"
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, source)
	if name == "." || name == ".." {
		return "_"
	}
	return name
}
