package hostsock

import (
	"sync"

	"github.com/tatetian/hostsock/internal/readiness"
)

// common is the state shared by every stream-state object across a single
// socket's lifetime (spec.md §3 "Common"): the fd, its readiness cell, and
// a write-once fatal-error slot. Every state object for a given socket
// embeds a pointer to the same common, so completion callbacks that
// outlive a state transition still mutate the right readiness cell.
type common struct {
	fd     int
	pollee readiness.Pollee
	laddr  *TCPAddr // local address, once bound; nil otherwise

	mu    sync.Mutex
	fatal *Errno // write-once: once non-nil, never changes
}

func newCommon(fd int) *common {
	return &common{fd: fd}
}

// setFatal records errno as the terminal error for this socket, if one
// hasn't already been recorded, and asserts Err on the readiness cell.
// Returns the errno now in effect (either the one just set, or whichever
// was recorded first).
func (c *common) setFatal(errno Errno) Errno {
	c.mu.Lock()
	if c.fatal == nil {
		e := errno
		c.fatal = &e
	}
	cur := *c.fatal
	c.mu.Unlock()
	c.pollee.Add(Err)
	return cur
}

// getFatal returns the recorded fatal errno, if any.
func (c *common) getFatal() (Errno, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		return 0, false
	}
	return *c.fatal, true
}
