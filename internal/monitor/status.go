package monitor

import (
	"sync"
	"time"
)

// TaggedError is the last error seen by a monitor, kept as plain values so
// a snapshot never holds on to the original error.
type TaggedError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Status is a point-in-time view of one monitor.
type Status struct {
	Shard       string        `json:"shard"`
	Path        string        `json:"path"`
	FilesCount  int           `json:"files_count"`
	BytesCount  int64         `json:"bytes_count"`
	ErrorCount  uint64        `json:"error_count"`
	LastError   *TaggedError  `json:"last_error,omitempty"`
	IsBlocked   bool          `json:"is_blocked"`
	SleepTime   time.Duration `json:"sleep_time"`
	BrokenFiles int           `json:"broken_files"`
	SentFiles   uint64        `json:"sent_files"`
}

// statusRegistry holds the counters read by Status. It has its own lock so
// snapshots never wait for a pass.
type statusRegistry struct {
	mu     sync.Mutex
	status Status
}

func newStatusRegistry(shard, path string) *statusRegistry {
	return &statusRegistry{status: Status{Shard: shard, Path: path}}
}

func (r *statusRegistry) recordError(kind string, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.ErrorCount++
	r.status.LastError = &TaggedError{Kind: kind, Message: err.Error(), Time: now}
}

func (r *statusRegistry) recordQuarantine(kind string, err error, diskBytes int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.ErrorCount++
	r.status.LastError = &TaggedError{Kind: kind, Message: err.Error(), Time: now}
	r.status.BrokenFiles++
	r.subPendingLocked(1, diskBytes)
}

func (r *statusRegistry) recordSuccess(files int, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.SentFiles += uint64(files)
	r.subPendingLocked(files, bytes)
}

func (r *statusRegistry) subPendingLocked(files int, bytes int64) {
	r.status.FilesCount = max(r.status.FilesCount-files, 0)
	r.status.BytesCount = max(r.status.BytesCount-bytes, 0)
}

func (r *statusRegistry) setPending(files int, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.FilesCount = files
	r.status.BytesCount = bytes
}

func (r *statusRegistry) setBroken(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.BrokenFiles = n
}

func (r *statusRegistry) setSleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.SleepTime = d
}

func (r *statusRegistry) setPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Path = path
}

func (r *statusRegistry) clearErrors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.ErrorCount = 0
	r.status.LastError = nil
}

func (r *statusRegistry) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	if s.LastError != nil {
		e := *s.LastError
		s.LastError = &e
	}
	return s
}
