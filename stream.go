package hostsock

import (
	"sync"

	"github.com/tatetian/hostsock/internal/readiness"
)

// streamState tags which state object kind is currently live behind a
// Stream's lock (spec.md §3's Init/Connecting/Connected/Listen).
type streamState int

const (
	stateInit streamState = iota
	stateConnecting
	stateConnected
	stateListen
)

// Stream is spec.md §4.2's façade: the state machine plus the legal-
// operation matrix. Each call acquires the minimum lock tier needed,
// clones out a reference to the active state object, then performs any
// suspending work without holding the lock.
type Stream struct {
	o *options

	mu    sync.RWMutex
	state streamState
	init  *initStream
	cting *connectingStream
	conn  *connectedStream
	lis   *listenerStream
}

// New creates a fresh Stream in the Init state for the given address
// family (unix.AF_INET or unix.AF_INET6).
func New(domain int, opts ...Option) (*Stream, error) {
	is, err := newInitStream(domain)
	if err != nil {
		return nil, err
	}
	return &Stream{o: newOptions(opts...), state: stateInit, init: is}, nil
}

// Bind implements the Init--bind-->Init transition; EINVAL in every other
// state.
func (s *Stream) Bind(addr *TCPAddr) Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateInit {
		return EINVAL
	}
	return s.init.bind(addr)
}

// Listen implements the Init--listen-->Listen transition (terminal).
func (s *Stream) Listen(backlog int) Errno {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateInit {
		return EINVAL
	}
	if err := unixListen(s.init.c.fd, backlog); err != 0 {
		return err
	}
	o := s.o
	if backlog > 0 {
		oo := *s.o
		oo.backlogSize = backlog
		o = &oo
	}
	s.lis = newListenerStream(s.init.c, o)
	s.state = stateListen
	s.init = nil
	return 0
}

// Connect implements the connect protocol in spec.md §4.2: swap to
// Connecting under the write lock, release it, await the connect, then
// swap to Connected on success or roll back to the original Init on
// failure. A concurrent connect attempt observes Connecting and gets
// EINVAL.
func (s *Stream) Connect(peer *TCPAddr) Errno {
	s.mu.Lock()
	if s.state != stateInit {
		s.mu.Unlock()
		return EINVAL
	}
	origInit := s.init
	cting := newConnectingStream(origInit.c, peer)
	s.state = stateConnecting
	s.cting = cting
	s.init = nil
	s.mu.Unlock()

	errno := cting.connect()

	s.mu.Lock()
	defer s.mu.Unlock()
	if errno == 0 {
		s.conn = newConnectedStream(cting.c, peer, s.o)
		s.state = stateConnected
		s.cting = nil
		return 0
	}
	// Rollback: restore the original Init object untouched (spec.md §8
	// "state machine under rollback").
	s.state = stateInit
	s.init = origInit
	s.cting = nil
	return errno
}

// Accept implements spec.md §4.6's accept, legal only in Listen.
func (s *Stream) Accept() (*Stream, Errno) {
	s.mu.RLock()
	if s.state != stateListen {
		s.mu.RUnlock()
		return nil, EINVAL
	}
	lis := s.lis
	o := s.o
	s.mu.RUnlock()

	cs, errno := lis.accept(o)
	if errno != 0 {
		return nil, errno
	}
	return &Stream{o: o, state: stateConnected, conn: cs}, 0
}

// Read is legal only in Connected.
func (s *Stream) Read(p []byte) (int, Errno) {
	s.mu.RLock()
	if s.state != stateConnected {
		s.mu.RUnlock()
		return 0, EINVAL
	}
	conn := s.conn
	s.mu.RUnlock()
	return conn.read(p)
}

// Write is legal only in Connected.
func (s *Stream) Write(p []byte) (int, Errno) {
	s.mu.RLock()
	if s.state != stateConnected {
		s.mu.RUnlock()
		return 0, EINVAL
	}
	conn := s.conn
	s.mu.RUnlock()
	return conn.write(p)
}

// Shutdown is legal only in Connected.
func (s *Stream) Shutdown(how ShutdownHow) Errno {
	s.mu.RLock()
	if s.state != stateConnected {
		s.mu.RUnlock()
		return EINVAL
	}
	conn := s.conn
	s.mu.RUnlock()
	conn.shutdown(how)
	return 0
}

// PollBy is legal in every state.
func (s *Stream) PollBy(mask Events, p *readiness.Poller) Events {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pollee().PollBy(mask|AlwaysPoll, p)
}

// Pollee implements Pollable, exposing the active state's readiness cell
// so a Stream can be registered with an EpollFile.
func (s *Stream) Pollee() *readiness.Pollee {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pollee()
}

func (s *Stream) pollee() *readiness.Pollee {
	switch s.state {
	case stateInit:
		return &s.init.c.pollee
	case stateConnecting:
		return &s.cting.c.pollee
	case stateConnected:
		return &s.conn.c.pollee
	case stateListen:
		return &s.lis.c.pollee
	}
	panic("hostsock: unreachable stream state")
}

// Addr is legal in every state.
func (s *Stream) Addr() (*TCPAddr, Errno) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case stateInit:
		return s.init.c.laddr, 0
	case stateConnecting:
		return s.cting.c.laddr, 0
	case stateConnected:
		return s.conn.c.laddr, 0
	case stateListen:
		return s.lis.c.laddr, 0
	}
	panic("hostsock: unreachable stream state")
}

// PeerAddr is legal only in Connected.
func (s *Stream) PeerAddr() (*TCPAddr, Errno) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateConnected {
		return nil, EINVAL
	}
	return s.conn.peer, 0
}

// Close requests cancellation of whatever is outstanding for the current
// state, then closes the fd. Cancellation is a flag on each handle: a
// submission already waiting for readiness on the fd is not woken by it,
// so a goroutine suspended in Read, Write, Accept or Connect on this
// Stream does not necessarily return.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateInit:
		return closeFD(s.init.c.fd)
	case stateConnecting:
		s.cting.cancel()
		return closeFD(s.cting.c.fd)
	case stateConnected:
		s.conn.close()
		return closeFD(s.conn.c.fd)
	case stateListen:
		s.lis.close()
		return closeFD(s.lis.c.fd)
	}
	return nil
}
