package hostsock

import (
	"math"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/internal/readiness"
	"github.com/tatetian/hostsock/internal/sqe"
	"github.com/tatetian/hostsock/log"
)

// notDone is the sentinel retval meaning "callback hasn't run yet".
const notDone = math.MinInt32

// connectingStream is the one-shot async connect described in spec.md
// §4.3: exactly one connect submission outstanding, torn down either into
// a connectedStream (success) or back to the original initStream
// (rollback) by the Stream façade.
type connectingStream struct {
	c    *common
	peer *TCPAddr

	mu      sync.Mutex
	handle  *sqe.Handle
	retval  atomic.Int32 // notDone until the completion callback runs
}

func newConnectingStream(c *common, peer *TCPAddr) *connectingStream {
	s := &connectingStream{c: c, peer: peer}
	s.retval.Store(notDone)
	return s
}

// connect submits the connect(2) request and suspends the caller on the
// readiness cell until it completes, returning nil on success or the
// kernel-reported errno on failure.
func (s *connectingStream) connect() Errno {
	s.c.pollee.Reset()
	q, err := sqe.Default()
	if err != nil {
		return unix.EIO
	}
	sa, err := s.peer.ToSockaddr()
	if err != nil {
		return unix.EINVAL
	}
	h := q.Connect(s.c.fd, sa, s.onComplete)
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	var p readiness.Poller
	for {
		if ev := s.c.pollee.PollBy(Out|Err, &p); ev != 0 {
			break
		}
		p.Wait()
	}
	p.Cancel()

	rv := s.retval.Load()
	if rv == notDone {
		// Cancelled mid-flight with no completion observed yet: per
		// spec.md §5 the state machine stays Connecting until a
		// completion eventually resolves it. Callers only reach here
		// after PollBy observed Out|Err, so this should not happen in
		// practice; treat it defensively as EAGAIN-never-happened.
		return unix.EAGAIN
	}
	if rv == 0 {
		return 0
	}
	return unix.Errno(-rv)
}

// onComplete is the connect completion callback (spec.md §4.3). Iago
// guard: connect must report retval <= 0.
func (s *connectingStream) onComplete(retval int) {
	if retval > 0 {
		log.Warnf("hostsock: Iago violation, connect completion retval=%d > 0", retval)
		retval = -int(unix.EIO)
	}
	s.retval.Store(int32(retval))
	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()
	if retval == 0 {
		s.c.pollee.Add(Out)
	} else {
		// A failed connect rolls the Stream back to Init (spec.md §3);
		// it is NOT latched into common.fatal, since Init must remain
		// usable for a subsequent bind/connect (see scenario S2).
		s.c.pollee.Add(Err)
	}
}

// cancel requests best-effort cancellation of the outstanding connect.
func (s *connectingStream) cancel() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}
