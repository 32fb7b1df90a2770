//go:build linux && (amd64 || arm64)
// +build linux
// +build amd64 arm64

package hostsock

import (
	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/internal/circularbuf"
	"github.com/tatetian/hostsock/internal/untrusted"
)

// msgReqData is the stable, kernel-visible request block referenced by an
// outstanding sendmsg/recvmsg submission: spec.md §3 "Sender.Inner ...
// send_req: UntrustedBox<msghdr+iovecs>". It is pinned in an
// internal/untrusted.Box so its address never changes while a submission
// referring to it is in flight, which is why it is allocated once (by
// newMsgReq) and reused in place by every subsequent do_send/do_recv
// rather than rebuilt per call.
type msgReqData struct {
	hdr unix.Msghdr
	iov [2]unix.Iovec
}

type msgReq struct {
	box *untrusted.Box[msgReqData]
	hdr *unix.Msghdr
}

func newMsgReq() *msgReq {
	box := untrusted.NewBox[msgReqData]()
	return &msgReq{box: box, hdr: &box.Get().hdr}
}

// setSpans points the iovec array at spans (at most two, from the
// circular buffer's free or filled region) and wires the msghdr to them.
// Returns the total byte length described by spans.
func (r *msgReq) setSpans(spans []circularbuf.Span) int {
	d := r.box.Get()
	n := 0
	total := 0
	for _, sp := range spans {
		if len(sp) == 0 {
			continue
		}
		d.iov[n].Base = &sp[0]
		d.iov[n].Len = uint64(len(sp))
		n++
		total += len(sp)
	}
	if n == 0 {
		// No data at all: point at a zero-length iovec so the syscall
		// still has a valid (if unused) Iov pointer.
		d.iov[0] = unix.Iovec{}
		n = 1
	}
	d.hdr.Iov = &d.iov[0]
	d.hdr.Iovlen = uint64(n)
	d.hdr.Name = nil
	d.hdr.Namelen = 0
	d.hdr.Control = nil
	d.hdr.Controllen = 0
	return total
}
