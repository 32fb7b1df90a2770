// Package sqe provides a concrete stand-in for the submission-queue
// driver described in spec.md §6: callers submit one connect/accept/
// sendmsg/recvmsg request and get back a Handle; exactly one completion
// callback fires with a signed retval (>=0 bytes/fd on success, negative
// errno on failure), invoked on a goroutine other than the caller's.
//
// spec.md treats the real driver (modelled on io_uring) as an external
// collaborator out of this module's scope. Since hostsock must still
// build and run standalone, and the example corpus carries no io_uring
// binding, this package emulates the same completion contract on top of
// non-blocking sockets plus an epoll readiness loop — grounded on the
// teacher's internal/poller (Desc/PollMgr) and netfd_linux.go raw-syscall
// helpers. See DESIGN.md for the tradeoffs of this choice.
package sqe

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"

	"github.com/tatetian/hostsock/log"
)

// Callback is invoked exactly once per submission with the kernel-style
// retval: >=0 on success, a negative errno on failure.
type Callback func(retval int)

// Handle is an opaque token for an outstanding submission. Dropping the
// last reference without cancelling is fine; cancelling is best-effort
// and the callback may still fire afterwards.
type Handle struct {
	cancelled atomic.Bool
}

// Cancel requests best-effort cancellation. The completion callback may
// still run (e.g. the attempt had already started); callbacks must
// tolerate running on an object the caller has otherwise abandoned.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// callbackPool dispatches completion callbacks off the epoll loop
// goroutine so a slow or blocking user callback never stalls readiness
// delivery for unrelated descriptors — mirroring the teacher's
// taskpool.go use of ants for the same reason.
var callbackPool, _ = ants.NewPool(256, ants.WithNonblocking(false))

func dispatch(h *Handle, retval int, cb Callback) {
	if h.Cancelled() {
		log.Debugf("sqe: completion for cancelled submission, retval=%d", retval)
	}
	err := callbackPool.Submit(func() { cb(retval) })
	if err != nil {
		// Pool is closed or saturated beyond queueing; never silently drop
		// a completion, run it inline as a last resort.
		log.Warnf("sqe: callback pool submit failed (%v), running inline", err)
		cb(retval)
	}
}

var (
	defaultQueueOnce sync.Once
	defaultQueue     *Queue
	defaultQueueErr  error
)

// Default returns the process-global submission queue, lazily starting
// its epoll loop(s) on first use. Mirrors the teacher's defaultMgr
// pattern (internal/poller/pollmgr.go) but constructed lazily since
// hostsock is a library, not a long-running service with its own init.
func Default() (*Queue, error) {
	defaultQueueOnce.Do(func() {
		defaultQueue, defaultQueueErr = NewQueue(1)
	})
	return defaultQueue, defaultQueueErr
}

// SetDefault replaces the process-global submission queue, e.g. to scale
// the number of epoll loops via SetNumPollers. Sockets that already exist
// also use q for their later submissions, since every submission looks up
// Default() when it is made.
func SetDefault(q *Queue) {
	defaultQueueOnce.Do(func() {}) // ensure Once is spent so Default() won't overwrite q
	defaultQueue, defaultQueueErr = q, nil
}
