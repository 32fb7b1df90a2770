package hostsock

import (
	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/internal/circularbuf"
	"github.com/tatetian/hostsock/internal/locker"
	"github.com/tatetian/hostsock/internal/readiness"
	"github.com/tatetian/hostsock/internal/sqe"
	"github.com/tatetian/hostsock/internal/untrusted"
	"github.com/tatetian/hostsock/log"
	"github.com/tatetian/hostsock/metrics"
)

// sender is spec.md §4.4's Sender half of a connectedStream: a circular
// send buffer coupled to at most one outstanding sendmsg submission. The
// inner lock is a spinlock (mirrors the teacher's tcpconn.go writing
// lock): critical sections here are a handful of field reads/writes,
// never a suspension point, so spinning beats parking a goroutine.
type sender struct {
	c *common

	mu          locker.Locker
	buf         *circularbuf.Buf
	outstanding *sqe.Handle
	shutdown    bool
	fatal       *Errno
	req         *msgReq
}

// newSender allocates the send ring from the untrusted arena: its backing
// array is what a sendmsg submission's iovec ultimately points the host
// kernel at.
func newSender(c *common, size int) *sender {
	return &sender{
		c:   c,
		buf: circularbuf.New(untrusted.AllocBytes(size)),
		req: newMsgReq(),
	}
}

// write loops try_write against the readiness cell until it stops
// returning EAGAIN (spec.md §4.4).
func (s *sender) write(p []byte) (int, Errno) {
	if len(p) == 0 {
		return 0, 0
	}
	var poller readiness.Poller
	defer poller.Cancel()
	for {
		n, errno := s.tryWrite(p)
		if errno != unix.EAGAIN {
			return n, errno
		}
		if ev := s.c.pollee.PollBy(Out|AlwaysPoll, &poller); ev != 0 {
			continue
		}
		poller.Wait()
	}
}

// tryWrite is the non-blocking attempt described in spec.md §4.4.
func (s *sender) tryWrite(p []byte) (int, Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return 0, unix.EPIPE
	}
	if s.fatal != nil {
		return 0, *s.fatal
	}

	n := s.buf.Produce(p)
	if s.buf.IsFull() {
		s.c.pollee.Remove(Out)
	}
	if s.outstanding == nil && !s.buf.IsEmpty() {
		s.doSend()
	}
	if n > 0 {
		return n, 0
	}
	return 0, unix.EAGAIN
}

// doSend must be called with mu held; precondition: buf non-empty, not
// shut down, no outstanding send.
func (s *sender) doSend() {
	spans := s.buf.PeekConsumerSpans(s.buf.Filled())
	total := s.req.setSpans(spans)
	if total == 0 {
		return
	}
	q, err := sqe.Default()
	if err != nil {
		s.recordFatal(unix.EIO)
		return
	}
	s.outstanding = q.Sendmsg(s.c.fd, s.req.hdr, 0, s.onComplete)
}

// onComplete is the sendmsg completion callback (spec.md §4.4).
func (s *sender) onComplete(retval int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding = nil

	switch {
	case retval < 0:
		metrics.Add(metrics.SendmsgFailures, 1)
		s.recordFatal(unix.Errno(-retval))
	case retval == 0:
		// Iago: sendmsg on a non-empty submission must never report 0.
		log.Warnf("hostsock: Iago violation, sendmsg completion retval=0 on non-empty send")
		s.recordFatal(unix.EIO)
	default:
		metrics.Add(metrics.SendmsgBytes, uint64(retval))
		s.buf.ConsumeWithoutCopy(retval)
		s.c.pollee.Add(Out)
		if !s.buf.IsEmpty() && !s.shutdown {
			s.doSend()
		}
	}
}

// recordFatal must be called with mu held.
func (s *sender) recordFatal(errno Errno) {
	if s.fatal == nil {
		s.fatal = &errno
	}
	s.c.pollee.Add(Err)
}

// closeWrite marks the sender permanently shut down (spec.md §4.4): does
// not cancel an outstanding send, further writes return EPIPE.
func (s *sender) closeWrite() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

// cancel requests best-effort cancellation of any outstanding send, used
// when the owning Stream is closed.
func (s *sender) cancel() {
	s.mu.Lock()
	h := s.outstanding
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}
