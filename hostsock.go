// Package hostsock implements a host-backed asynchronous TCP socket
// subsystem built for a confidential-computing enclave runtime: stream
// sockets driven by a small completion-queue abstraction (internal/sqe)
// instead of direct blocking syscalls, so that every I/O call can be
// retried safely against an untrusted host kernel.
//
// A Stream moves through Init, Connecting, Connected and Listen states
// (see the Stream type); Dial and Listen are the common-case entry
// points, New is for callers that need Bind before Connect/Listen.
package hostsock

import (
	"net"

	goreuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/internal/netutil"
	"github.com/tatetian/hostsock/internal/sqe"
	"github.com/tatetian/hostsock/log"
)

func unixListen(fd int, backlog int) Errno {
	if backlog <= 0 {
		backlog = defaultBacklogSize
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return toErrno(err)
	}
	return 0
}

func closeFD(fd int) error {
	if q, err := sqe.Default(); err == nil {
		q.Forget(fd)
	}
	return unix.Close(fd)
}

// Dial resolves address and connects a new Stream to it.
func Dial(network, address string, opts ...Option) (*Stream, Errno) {
	addr, err := ResolveTCPAddr(network, address)
	if err != nil {
		return nil, unix.EINVAL
	}
	s, cerr := New(addr.Domain(), opts...)
	if cerr != nil {
		log.Errorf("hostsock: Dial: socket: %v", cerr)
		return nil, unix.EIO
	}
	if errno := s.Connect(addr); errno != 0 {
		s.Close()
		return nil, errno
	}
	return s, 0
}

// Listen resolves address, binds, and transitions a new Stream straight
// into Listen. With WithReusePort set, the listening descriptor is built
// through github.com/kavu/go_reuseport instead of a bare socket(2), the
// same dependency the teacher's own service listener bring-up uses for
// SO_REUSEPORT.
func Listen(network, address string, opts ...Option) (*Stream, Errno) {
	o := newOptions(opts...)
	if o.reusePort {
		return listenReusePort(network, address, o)
	}
	addr, err := ResolveTCPAddr(network, address)
	if err != nil {
		return nil, unix.EINVAL
	}
	s, cerr := New(addr.Domain(), opts...)
	if cerr != nil {
		log.Errorf("hostsock: Listen: socket: %v", cerr)
		return nil, unix.EIO
	}
	if errno := s.Bind(addr); errno != 0 {
		s.Close()
		return nil, errno
	}
	if errno := s.Listen(o.backlogSize); errno != 0 {
		s.Close()
		return nil, errno
	}
	return s, 0
}

// listenReusePort builds the listening socket via go_reuseport, which
// already binds, sets SO_REUSEPORT/SO_REUSEADDR and calls listen(2), then
// extracts the raw descriptor so the rest of hostsock can drive it
// through internal/sqe like any other listener.
func listenReusePort(network, address string, o *options) (*Stream, Errno) {
	ln, err := goreuseport.Listen(network, address)
	if err != nil {
		log.Errorf("hostsock: Listen: go_reuseport: %v", err)
		return nil, unix.EINVAL
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, unix.EINVAL
	}
	// netutil.DupFD hands back a descriptor already detached from the
	// os.File finalizer that tl.File() would otherwise leave behind, with
	// a lifetime tied only to the Stream from here on.
	fd, err := netutil.DupFD(tl)
	ln.Close()
	if err != nil {
		log.Errorf("hostsock: Listen: go_reuseport dup: %v", err)
		return nil, unix.EIO
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, toErrno(err)
	}
	laddr, _ := ResolveTCPAddr(network, tl.Addr().String())
	c := newCommon(fd)
	c.laddr = laddr
	s := &Stream{o: o, state: stateListen, lis: newListenerStream(c, o)}
	return s, 0
}

// NewEpoll creates an EpollFile honoring WithRejectUnsupportedEpollFlags.
func NewEpoll(opts ...Option) *EpollFile {
	o := newOptions(opts...)
	return NewEpollFile(o.rejectUnsupportedEpollFlags)
}
