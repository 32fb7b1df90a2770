// Package locker provides the spinlock used to guard the handful of
// buffer/flag fields a sender, receiver, or listener backlog reads and
// writes on every try_read/try_write/try_accept attempt: short enough,
// and frequent enough, that spinning beats parking a goroutine on a
// sync.Mutex.
package locker

import (
	"runtime"
	"sync/atomic"
)

const (
	unlocked = 0
	locked   = 1
)

// A Locker is a spinlock. The zero value is unlocked, so it embeds
// directly as a struct field with no separate construction step.
type Locker uint32

// Lock blocks the calling goroutine until it acquires l, yielding the
// scheduler between attempts rather than busy-spinning unconditionally.
func (l *Locker) Lock() {
	for !atomic.CompareAndSwapUint32((*uint32)(l), unlocked, locked) {
		runtime.Gosched()
	}
}

// Unlock releases l. A Locker isn't tied to the goroutine that locked
// it: one goroutine may lock it and another unlock it.
func (l *Locker) Unlock() {
	atomic.StoreUint32((*uint32)(l), unlocked)
}

// TryLock attempts to acquire l without blocking, reporting whether it
// succeeded.
func (l *Locker) TryLock() bool {
	return atomic.CompareAndSwapUint32((*uint32)(l), unlocked, locked)
}

// IsLocked reports whether l is currently held.
func (l *Locker) IsLocked() bool {
	return atomic.LoadUint32((*uint32)(l)) == locked
}
