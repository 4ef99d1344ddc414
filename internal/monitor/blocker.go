package monitor

import (
	"sync"
	"sync/atomic"
)

// ActionBlocker pauses sends of every monitor sharing it. Cancel calls nest;
// sends resume when every release function has been called.
type ActionBlocker struct {
	n atomic.Int64
}

// Cancel blocks sends until the returned release function is called.
// Calling release more than once has no further effect.
func (b *ActionBlocker) Cancel() (release func()) {
	b.n.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { b.n.Add(-1) })
	}
}

// IsCancelled reports whether sends are blocked. A nil blocker never blocks.
func (b *ActionBlocker) IsCancelled() bool {
	return b != nil && b.n.Load() > 0
}
