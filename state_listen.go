package hostsock

import (
	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/internal/locker"
	"github.com/tatetian/hostsock/internal/readiness"
	"github.com/tatetian/hostsock/internal/sqe"
	"github.com/tatetian/hostsock/metrics"
)

type slotState int

const (
	slotFree slotState = iota
	slotPending
	slotCompleted
)

type backlogSlot struct {
	state  slotState
	handle *sqe.Handle
	fd     int
	peer   unix.Sockaddr
}

// backlog is spec.md §4.6/§3's fixed-capacity pool of in-flight accept
// submissions: it keeps up to capacity accept(2) calls outstanding on the
// listening fd so the first accept() call after Listen saturates
// immediately, and re-saturates every time a completed slot is consumed.
type backlog struct {
	c *common

	mu        locker.Locker
	slots     []backlogSlot
	completed []int // FIFO of slot indices in slotCompleted state
}

func newBacklog(c *common, capacity int) *backlog {
	return &backlog{
		c:     c,
		slots: make([]backlogSlot, capacity),
	}
}

// counts returns (free, pending, completed) for the invariant
// free+pending+completed == capacity (spec.md §8 invariant 2).
func (b *backlog) counts() (free, pending, completedN int) {
	for i := range b.slots {
		switch b.slots[i].state {
		case slotFree:
			free++
		case slotPending:
			pending++
		case slotCompleted:
			completedN++
		}
	}
	return
}

// saturate submits a new accept for every slot still in slotFree state.
// A no-op once the listener has recorded a fatal error: further accepts
// would only fail again, and try_accept already short-circuits on fatal.
func (b *backlog) saturate() {
	if _, isFatal := b.c.getFatal(); isFatal {
		return
	}
	b.mu.Lock()
	var toStart []int
	for i := range b.slots {
		if b.slots[i].state == slotFree {
			b.slots[i].state = slotPending
			toStart = append(toStart, i)
		}
	}
	b.mu.Unlock()
	if len(toStart) > 0 {
		metrics.Add(metrics.BacklogSaturated, uint64(len(toStart)))
	}
	for _, i := range toStart {
		b.startNewReq(i)
	}
}

func (b *backlog) startNewReq(slot int) {
	q, err := sqe.Default()
	if err != nil {
		b.onComplete(slot, -int(unix.EIO), nil)
		return
	}
	h := q.Accept(b.c.fd, func(retval int, sa unix.Sockaddr) {
		b.onComplete(slot, retval, sa)
	})
	b.mu.Lock()
	b.slots[slot].handle = h
	b.mu.Unlock()
}

// onComplete is the accept completion callback (spec.md §4.6): on failure
// it records fatal on the listener and frees the slot without resubmitting;
// on success the slot moves to Completed and joins the FIFO.
func (b *backlog) onComplete(slot int, retval int, sa unix.Sockaddr) {
	b.mu.Lock()
	if retval < 0 {
		b.slots[slot] = backlogSlot{state: slotFree}
		b.mu.Unlock()
		metrics.Add(metrics.AcceptFailures, 1)
		b.c.setFatal(unix.Errno(-retval))
		return
	}
	b.slots[slot] = backlogSlot{state: slotCompleted, fd: retval, peer: sa}
	b.completed = append(b.completed, slot)
	b.mu.Unlock()
	metrics.Add(metrics.BacklogSlotCompleted, 1)
	b.c.pollee.Add(In)
}

// pop removes and returns the front of the completed FIFO, if any.
func (b *backlog) pop() (fd int, peer unix.Sockaddr, hasMore bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.completed) == 0 {
		return 0, nil, false, false
	}
	slot := b.completed[0]
	b.completed = b.completed[1:]
	s := b.slots[slot]
	b.slots[slot] = backlogSlot{state: slotFree}
	return s.fd, s.peer, len(b.completed) > 0, true
}

// cancelAll requests best-effort cancellation of every pending slot,
// called when the owning listener Stream is closed.
func (b *backlog) cancelAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slots {
		if b.slots[i].handle != nil {
			b.slots[i].handle.Cancel()
		}
	}
}

// listenerStream is spec.md §3/§4.6's Listen state.
type listenerStream struct {
	c *common
	b *backlog
}

// newListenerStream enters Listen with an empty backlog; the first accept
// call is what saturates it (spec.md §4.6).
func newListenerStream(c *common, o *options) *listenerStream {
	return &listenerStream{c: c, b: newBacklog(c, o.backlogSize)}
}

// tryAccept implements spec.md §4.6's try_accept.
func (ls *listenerStream) tryAccept(o *options) (*connectedStream, Errno) {
	if errno, isFatal := ls.c.getFatal(); isFatal {
		return nil, errno
	}
	fd, sa, hasMore, ok := ls.b.pop()
	if !ok {
		ls.b.saturate() // first call (or a fully-drained backlog) saturates here
		return nil, unix.EAGAIN
	}
	if !hasMore {
		ls.c.pollee.Remove(In)
	}
	peer, _ := FromSockaddr(sa)
	nc := newCommon(fd)
	nc.laddr = ls.c.laddr // accepted connections inherit the listener's bound address
	cs := newConnectedStream(nc, peer, o)
	nc.pollee.Add(In) // data may already be buffered; driven thereafter by its own receiver
	ls.b.saturate()
	return cs, 0
}

// accept loops tryAccept against the readiness cell (spec.md §5).
func (ls *listenerStream) accept(o *options) (*connectedStream, Errno) {
	var poller readiness.Poller
	defer poller.Cancel()
	for {
		cs, errno := ls.tryAccept(o)
		if errno != unix.EAGAIN {
			return cs, errno
		}
		if ev := ls.c.pollee.PollBy(In|AlwaysPoll, &poller); ev != 0 {
			continue
		}
		poller.Wait()
	}
}

func (ls *listenerStream) close() {
	ls.b.cancelAll()
}
