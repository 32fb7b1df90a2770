package hostsock

import (
	"golang.org/x/sys/unix"
)

// initStream is spec.md §3's Init state: descriptor allocated, possibly
// bound to a local address, no I/O in flight.
type initStream struct {
	c *common
}

// newInitStream creates a fresh non-blocking TCP socket for the given
// address family (unix.AF_INET or unix.AF_INET6).
func newInitStream(domain int) (*initStream, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &initStream{c: newCommon(fd)}, nil
}

// bind implements spec.md §4.2's Init--bind-->Init transition.
func (s *initStream) bind(addr *TCPAddr) Errno {
	sa, err := addr.ToSockaddr()
	if err != nil {
		return unix.EINVAL
	}
	if err := unix.Bind(s.c.fd, sa); err != nil {
		return toErrno(err)
	}
	bound, err := unix.Getsockname(s.c.fd)
	if err == nil {
		if a, cerr := FromSockaddr(bound); cerr == nil {
			s.c.laddr = a
		}
	} else {
		s.c.laddr = addr
	}
	return 0
}

func toErrno(err error) Errno {
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return unix.EIO
}
