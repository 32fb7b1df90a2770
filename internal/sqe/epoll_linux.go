//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

// This file stores a *desc pointer directly in the epoll_data union by
// reinterpreting unix.EpollEvent's trailing Fd+Pad int32 pair (8 bytes,
// contiguous) as a pointer — the same trick the teacher's
// internal/poller/poller_epoll.go uses via a hand-rolled per-arch
// event.EpollEvent, simplified here because unix.EpollEvent already has
// an 8-byte-wide data region on 64-bit architectures. Restricted to
// amd64/arm64 accordingly; this matches the spec's confidential-computing
// target (SGX-style enclaves are x86-64) closely enough that a 32-bit
// backend isn't worth the extra per-arch event layout.
package sqe

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/log"
	"github.com/tatetian/hostsock/metrics"
)

const maxEpollEvents = 64

// desc is the per-fd epoll registration: one goroutine per outstanding
// operation blocks on readCh/writeCh rather than busy-retrying, so the
// shared epoll loop only ever does the syscall + channel-notify dance.
// Grounded on the teacher's internal/poller.Desc, generalized from a
// single OnRead/OnWrite callback pair to a one-slot channel per direction,
// since sqe allows several logically distinct waiters on the same fd over
// its lifetime (connect, then later many send/recv attempts). Each signal
// wakes at most one waiting attempt.
type desc struct {
	fd       int
	loop     *loop
	mu       sync.Mutex
	readCh   chan struct{}
	writeCh  chan struct{}
	armed    uint32 // currently registered epoll event mask
	attached bool
}

func newDesc(l *loop, fd int) *desc {
	return &desc{
		fd:      fd,
		loop:    l,
		readCh:  make(chan struct{}, 1),
		writeCh: make(chan struct{}, 1),
	}
}

func (d *desc) signalRead() {
	select {
	case d.readCh <- struct{}{}:
	default:
	}
}

func (d *desc) signalWrite() {
	select {
	case d.writeCh <- struct{}{}:
	default:
	}
}

// signalBoth wakes any attempt waiting on either direction, used for
// EPOLLHUP/EPOLLERR so a pending read or write immediately retries and
// observes the real error from the syscall itself.
func (d *desc) signalBoth() {
	d.signalRead()
	d.signalWrite()
}

// ensure arms the fd for at least `want` (a bitwise-or of EPOLLIN/EPOLLOUT)
// in addition to whatever is already armed.
func (d *desc) ensure(want uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	need := d.armed | want | unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLRDHUP
	if need == d.armed && d.attached {
		return nil
	}
	op := unix.EPOLL_CTL_MOD
	if !d.attached {
		op = unix.EPOLL_CTL_ADD
	}
	ev := &unix.EpollEvent{Events: need}
	*(**desc)(unsafe.Pointer(&ev.Fd)) = d
	if err := unix.EpollCtl(d.loop.epfd, op, d.fd, ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	d.armed = need
	d.attached = true
	return nil
}

// detach removes the fd from the epoll set; called through Queue.Forget
// when the owning Stream closes the fd.
func (d *desc) detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached {
		return
	}
	_ = unix.EpollCtl(d.loop.epfd, unix.EPOLL_CTL_DEL, d.fd, nil)
	d.attached = false
}

// loop is one epoll instance driving an arbitrary number of descs.
type loop struct {
	epfd int
}

func newLoop() (*loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &loop{epfd: epfd}, nil
}

func (l *loop) run() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Errorf("sqe: epoll_wait error: %v", err)
			return
		}
		metrics.Add(metrics.EpollWaitCalls, 1)
		metrics.Add(metrics.EpollEventsDelivered, uint64(n))
		for i := 0; i < n; i++ {
			ev := events[i]
			d := *(**desc)(unsafe.Pointer(&ev.Fd))
			if d == nil {
				continue
			}
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
				d.signalBoth()
				continue
			}
			if ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
				d.signalRead()
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				d.signalWrite()
			}
		}
	}
}

func (l *loop) close() error {
	return os.NewSyscallError("close", unix.Close(l.epfd))
}

// Queue is the concrete submission-queue driver: a pool of epoll loops
// (default one, configurable like the teacher's SetNumPollers) plus a
// registry of per-fd descs so repeated submissions on the same fd reuse
// one epoll registration.
type Queue struct {
	loops []*loop
	next  uint64

	mu    sync.Mutex
	descs map[int]*desc
}

// NewQueue starts n epoll loop goroutines.
func NewQueue(n int) (*Queue, error) {
	if n <= 0 {
		n = 1
	}
	q := &Queue{descs: make(map[int]*desc)}
	for i := 0; i < n; i++ {
		l, err := newLoop()
		if err != nil {
			return nil, errors.Wrap(err, "sqe: create epoll loop")
		}
		q.loops = append(q.loops, l)
		go l.run()
	}
	return q, nil
}

func (q *Queue) pickLoop(fd int) *loop {
	return q.loops[fd%len(q.loops)]
}

func (q *Queue) descFor(fd int) *desc {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d, ok := q.descs[fd]; ok {
		return d
	}
	d := newDesc(q.pickLoop(fd), fd)
	q.descs[fd] = d
	return d
}

// Forget drops the desc associated with fd (e.g. after the fd is closed)
// so it doesn't leak in the registry. Safe to call even if never used.
func (q *Queue) Forget(fd int) {
	q.mu.Lock()
	d, ok := q.descs[fd]
	delete(q.descs, fd)
	q.mu.Unlock()
	if ok {
		d.detach()
	}
}
