package hostsock

import (
	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/internal/circularbuf"
	"github.com/tatetian/hostsock/internal/locker"
	"github.com/tatetian/hostsock/internal/readiness"
	"github.com/tatetian/hostsock/internal/sqe"
	"github.com/tatetian/hostsock/internal/untrusted"
	"github.com/tatetian/hostsock/metrics"
)

// receiver is spec.md §4.5's Receiver half: symmetric to sender, plus an
// end_of_file latch recording a zero-byte completion. Uses the same
// spinlock as sender's inner lock (internal/locker, per the teacher's
// tcpconn.go reading/writing locks).
type receiver struct {
	c *common

	mu          locker.Locker
	buf         *circularbuf.Buf
	outstanding *sqe.Handle
	shutdown    bool
	fatal       *Errno
	endOfFile   bool
	req         *msgReq
}

// newReceiver allocates the receive ring from the untrusted arena: its
// backing array is what a recvmsg submission's iovec ultimately points
// the host kernel at.
func newReceiver(c *common, size int) *receiver {
	return &receiver{
		c:   c,
		buf: circularbuf.New(untrusted.AllocBytes(size)),
		req: newMsgReq(),
	}
}

// read loops try_read against the readiness cell until it stops returning
// EAGAIN. A zero-length p returns (0, nil) immediately without touching
// any state (spec.md §4.5).
func (r *receiver) read(p []byte) (int, Errno) {
	if len(p) == 0 {
		return 0, 0
	}
	var poller readiness.Poller
	defer poller.Cancel()
	for {
		n, errno := r.tryRead(p)
		if errno != unix.EAGAIN {
			return n, errno
		}
		if ev := r.c.pollee.PollBy(In|AlwaysPoll, &poller); ev != 0 {
			continue
		}
		poller.Wait()
	}
}

// tryRead is the non-blocking attempt described in spec.md §4.5.
func (r *receiver) tryRead(p []byte) (int, Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.buf.Consume(p)
	if r.buf.IsEmpty() {
		r.c.pollee.Remove(In)
	}
	if r.endOfFile {
		return n, 0
	}
	if n > 0 {
		if r.outstanding == nil {
			r.doRecv()
		}
		return n, 0
	}
	if r.shutdown {
		return 0, unix.EPIPE
	}
	if r.fatal != nil {
		return 0, *r.fatal
	}
	if r.outstanding == nil {
		r.doRecv()
	}
	return 0, unix.EAGAIN
}

// doRecv must be called with mu held; precondition: no outstanding recv,
// not already at EOF.
func (r *receiver) doRecv() {
	spans := r.buf.PeekProducerSpans(r.buf.Free())
	if len(spans) == 0 {
		return // buffer full; caller will kick again once it drains
	}
	total := r.req.setSpans(spans)
	if total == 0 {
		return
	}
	q, err := sqe.Default()
	if err != nil {
		r.recordFatal(unix.EIO)
		return
	}
	r.outstanding = q.Recvmsg(r.c.fd, r.req.hdr, 0, r.onComplete)
}

// onComplete is the recvmsg completion callback (spec.md §4.5).
func (r *receiver) onComplete(retval int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outstanding = nil

	switch {
	case retval < 0:
		metrics.Add(metrics.RecvmsgFailures, 1)
		r.recordFatal(unix.Errno(-retval))
	case retval == 0:
		r.endOfFile = true
		r.c.pollee.Add(In)
	default:
		metrics.Add(metrics.RecvmsgBytes, uint64(retval))
		r.buf.ProduceWithoutCopy(retval)
		r.c.pollee.Add(In)
		if !r.buf.IsFull() {
			r.doRecv()
		}
	}
}

// recordFatal must be called with mu held.
func (r *receiver) recordFatal(errno Errno) {
	if r.fatal == nil {
		r.fatal = &errno
	}
	r.c.pollee.Add(Err)
}

// closeRead marks the read side shut down.
func (r *receiver) closeRead() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}

// cancel requests best-effort cancellation of any outstanding recv.
func (r *receiver) cancel() {
	r.mu.Lock()
	h := r.outstanding
	r.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}
