//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package sqe

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/metrics"
)

// Connect submits a connect(fd, sa) request. The completion callback sees
// retval 0 on success or a negative errno on failure, matching spec.md
// §6's "connect reports 0 on success or a negative errno" contract.
func (q *Queue) Connect(fd int, sa unix.Sockaddr, cb Callback) *Handle {
	h := &Handle{}
	d := q.descFor(fd)
	go func() {
		metrics.Add(metrics.ConnectAttempts, 1)
		err := unix.Connect(fd, sa)
		if err == nil {
			dispatch(h, 0, cb)
			return
		}
		if err != unix.EINPROGRESS && err != unix.EALREADY {
			metrics.Add(metrics.ConnectFailures, 1)
			dispatch(h, -errno(err), cb)
			return
		}
		if arerr := d.ensure(unix.EPOLLOUT); arerr != nil {
			dispatch(h, -int(unix.EIO), cb)
			return
		}
		<-d.writeCh
		if h.Cancelled() {
			dispatch(h, -int(unix.ECANCELED), cb)
			return
		}
		soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			dispatch(h, -errno(gerr), cb)
			return
		}
		if soerr != 0 {
			metrics.Add(metrics.ConnectFailures, 1)
			dispatch(h, -soerr, cb)
			return
		}
		dispatch(h, 0, cb)
	}()
	return h
}

// AcceptCallback reports a completed accept: retval is the accepted fd
// (>=0) or a negative errno; sa is only meaningful on success.
type AcceptCallback func(retval int, sa unix.Sockaddr)

// Accept submits one accept(fd) request against a listening socket.
// Multiple Accept calls may be outstanding concurrently on the same fd
// (the Backlog keeps several in flight); each gets its own completion.
func (q *Queue) Accept(fd int, cb AcceptCallback) *Handle {
	h := &Handle{}
	d := q.descFor(fd)
	go func() {
		for {
			if h.Cancelled() {
				cb2 := func(retval int) { cb(retval, nil) }
				dispatch(h, -int(unix.ECANCELED), cb2)
				return
			}
			nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err == nil {
				metrics.Add(metrics.AcceptCompletions, 1)
				retval := nfd
				q.dispatchAccept(h, retval, sa, cb)
				return
			}
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				metrics.Add(metrics.AcceptFailures, 1)
				q.dispatchAccept(h, -errno(err), nil, cb)
				return
			}
			if arerr := d.ensure(unix.EPOLLIN); arerr != nil {
				q.dispatchAccept(h, -int(unix.EIO), nil, cb)
				return
			}
			<-d.readCh
		}
	}()
	return h
}

func (q *Queue) dispatchAccept(h *Handle, retval int, sa unix.Sockaddr, cb AcceptCallback) {
	dispatch(h, retval, func(rv int) { cb(rv, sa) })
}

// Sendmsg submits one sendmsg(fd, msg, flags) request. msg must live at a
// stable address until the callback fires (callers pass the caller-owned
// UntrustedBox-backed request block).
func (q *Queue) Sendmsg(fd int, msg *unix.Msghdr, flags int, cb Callback) *Handle {
	h := &Handle{}
	d := q.descFor(fd)
	go func() {
		for {
			if h.Cancelled() {
				dispatch(h, -int(unix.ECANCELED), cb)
				return
			}
			n, _, errno2 := unix.Syscall(unix.SYS_SENDMSG, uintptr(fd), uintptr(unsafe.Pointer(msg)), uintptr(flags))
			metrics.Add(metrics.SendmsgCalls, 1)
			if errno2 == 0 {
				dispatch(h, int(n), cb)
				return
			}
			if errno2 != unix.EAGAIN && errno2 != unix.EWOULDBLOCK {
				metrics.Add(metrics.SendmsgFailures, 1)
				dispatch(h, -int(errno2), cb)
				return
			}
			if arerr := d.ensure(unix.EPOLLOUT); arerr != nil {
				dispatch(h, -int(unix.EIO), cb)
				return
			}
			<-d.writeCh
		}
	}()
	return h
}

// Recvmsg submits one recvmsg(fd, msg, flags) request, same stable-address
// contract as Sendmsg.
func (q *Queue) Recvmsg(fd int, msg *unix.Msghdr, flags int, cb Callback) *Handle {
	h := &Handle{}
	d := q.descFor(fd)
	go func() {
		for {
			if h.Cancelled() {
				dispatch(h, -int(unix.ECANCELED), cb)
				return
			}
			n, _, errno2 := unix.Syscall(unix.SYS_RECVMSG, uintptr(fd), uintptr(unsafe.Pointer(msg)), uintptr(flags))
			metrics.Add(metrics.RecvmsgCalls, 1)
			if errno2 == 0 {
				dispatch(h, int(n), cb)
				return
			}
			if errno2 != unix.EAGAIN && errno2 != unix.EWOULDBLOCK {
				metrics.Add(metrics.RecvmsgFailures, 1)
				dispatch(h, -int(errno2), cb)
				return
			}
			if arerr := d.ensure(unix.EPOLLIN); arerr != nil {
				dispatch(h, -int(unix.EIO), cb)
				return
			}
			<-d.readCh
		}
	}()
	return h
}

func errno(err error) int {
	if e, ok := err.(unix.Errno); ok {
		return int(e)
	}
	return int(unix.EIO)
}
