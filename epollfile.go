package hostsock

import (
	"container/list"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tatetian/hostsock/internal/readiness"
	"github.com/tatetian/hostsock/log"
	"github.com/tatetian/hostsock/metrics"
)

// Pollable is the file observer protocol (spec.md §6) that anything
// registered with an EpollFile must satisfy. Stream and EpollFile itself
// both implement it, so epolls can nest.
type Pollable interface {
	PollBy(mask Events, p *readiness.Poller) Events
	Pollee() *readiness.Pollee
}

// Epoll control operations, numerically aligned with unix.EPOLL_CTL_*
// since callers building an EpollEvent for a real epoll_ctl(2) call
// elsewhere in the process can reuse the same constants.
const (
	CtlAdd = unix.EPOLL_CTL_ADD
	CtlDel = unix.EPOLL_CTL_DEL
	CtlMod = unix.EPOLL_CTL_MOD
)

// Unsupported registration flags (spec.md §4.7 / SPEC_FULL.md §3 item 1):
// this subsystem is level-triggered only.
const (
	FlagExclusive = 1 << 28 // EPOLLEXCLUSIVE
	FlagWakeup    = 1 << 29 // EPOLLWAKEUP
	FlagET        = 1 << 31 // EPOLLET
)

// allEvents is the mask an EpollFile observes a registered file with; the
// entry's own requested mask is only consulted lazily, at pop time.
const allEvents = In | Pri | Out | Err | Hup | NVal | RdHup

// EpollEvent is one ready notification returned from Wait.
type EpollEvent struct {
	Events Events
	Fd     int32
	Data   uint64
}

// epollEntry is one registered (fd, file) pair (spec.md §4.7).
type epollEntry struct {
	fd    int32
	file  Pollable
	flags uint32
	epf   *EpollFile

	mu      sync.Mutex
	mask    Events
	data    uint64
	ready   bool
	deleted bool
}

// OnEvents implements readiness.Observer: any event change on the
// watched file's Pollee marks this entry ready, deferring mask
// relevance checking to pop time (spec.md §4.7).
func (e *epollEntry) OnEvents(events Events) {
	e.epf.markReady(e)
}

// EpollFile multiplexes readiness across heterogeneous Pollable files,
// grounded on the teacher's poller.Desc callback-registration pattern but
// generalized to an arbitrary fan-in of file objects (spec.md §4.7).
type EpollFile struct {
	mu       sync.Mutex
	interest map[int32]*epollEntry

	readyMu sync.Mutex
	ready   *list.List // of *epollEntry, FIFO, lazily pruned

	pollee            readiness.Pollee
	rejectUnsupported bool
}

// NewEpollFile creates an empty multiplexer. rejectUnsupported controls
// whether EPOLLEXCLUSIVE/EPOLLWAKEUP are refused with EINVAL or merely
// logged and accepted (WithRejectUnsupportedEpollFlags).
func NewEpollFile(rejectUnsupported bool) *EpollFile {
	return &EpollFile{
		interest:          make(map[int32]*epollEntry),
		ready:             list.New(),
		rejectUnsupported: rejectUnsupported,
	}
}

// PollBy implements Pollable, letting one EpollFile be registered inside
// another.
func (ef *EpollFile) PollBy(mask Events, p *readiness.Poller) Events {
	return ef.pollee.PollBy(mask, p)
}

// Pollee implements Pollable.
func (ef *EpollFile) Pollee() *readiness.Pollee { return &ef.pollee }

func (ef *EpollFile) checkFlags(flags uint32) Errno {
	if flags&FlagET != 0 {
		log.Warnf("hostsock: EpollFile: EPOLLET requested on fd, only level-triggered semantics are implemented")
	}
	if flags&(FlagExclusive|FlagWakeup) != 0 {
		if ef.rejectUnsupported {
			return EINVAL
		}
		log.Warnf("hostsock: EpollFile: unsupported flag(s) 0x%x accepted without effect", flags&(FlagExclusive|FlagWakeup))
	}
	return 0
}

// Control implements spec.md §4.7's control(cmd): Add/Del/Mod.
func (ef *EpollFile) Control(cmd int, fd int32, file Pollable, mask Events, flags uint32, data uint64) Errno {
	switch cmd {
	case CtlAdd:
		return ef.add(fd, file, mask, flags, data)
	case CtlDel:
		return ef.del(fd)
	case CtlMod:
		return ef.mod(fd, mask, flags, data)
	default:
		return EINVAL
	}
}

func (ef *EpollFile) add(fd int32, file Pollable, mask Events, flags uint32, data uint64) Errno {
	if errno := ef.checkFlags(flags); errno != 0 {
		return errno
	}
	ef.mu.Lock()
	if _, exists := ef.interest[fd]; exists {
		ef.mu.Unlock()
		return EEXIST
	}
	e := &epollEntry{fd: fd, file: file, flags: flags, mask: mask, data: data, epf: ef}
	ef.interest[fd] = e
	ef.mu.Unlock()

	file.Pollee().RegisterObserver(e, allEvents)
	if got := file.PollBy(mask, nil); got != 0 {
		ef.markReady(e)
	}
	return 0
}

func (ef *EpollFile) del(fd int32) Errno {
	ef.mu.Lock()
	e, ok := ef.interest[fd]
	if !ok {
		ef.mu.Unlock()
		return ENOENT
	}
	delete(ef.interest, fd)
	ef.mu.Unlock()

	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	e.file.Pollee().UnregisterObserver(e)
	return 0
}

func (ef *EpollFile) mod(fd int32, mask Events, flags uint32, data uint64) Errno {
	if errno := ef.checkFlags(flags); errno != 0 {
		return errno
	}
	ef.mu.Lock()
	e, ok := ef.interest[fd]
	ef.mu.Unlock()
	if !ok {
		return ENOENT
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return ENOENT
	}
	e.mask, e.flags, e.data = mask, flags, data
	e.mu.Unlock()

	if got := e.file.PollBy(mask, nil); got != 0 {
		ef.markReady(e)
	}
	return 0
}

// markReady is push_ready (spec.md §4.7): idempotent, sets the ready
// flag, appends to the deque, and asserts IN on the epoll's own cell.
func (ef *EpollFile) markReady(e *epollEntry) {
	e.mu.Lock()
	if e.ready || e.deleted {
		e.mu.Unlock()
		return
	}
	e.ready = true
	e.mu.Unlock()

	ef.readyMu.Lock()
	ef.ready.PushBack(e)
	ef.readyMu.Unlock()
	ef.pollee.Add(In)
}

// popReady drains up to len(out) entries from the front of the ready
// deque, re-checking each against its own mask before emitting (spec.md
// §4.7): a deleted entry is dropped, and a re-poll that comes back empty
// is dropped as spurious. An entry that is emitted goes back on the ready
// deque (level-triggered), so the next Wait reports it again until its
// events are cleared.
func (ef *EpollFile) popReady(out []EpollEvent) int {
	var drained []*epollEntry
	ef.readyMu.Lock()
	for len(drained) < len(out) && ef.ready.Len() > 0 {
		front := ef.ready.Remove(ef.ready.Front()).(*epollEntry)
		drained = append(drained, front)
	}
	empty := ef.ready.Len() == 0
	ef.readyMu.Unlock()
	if empty {
		ef.pollee.Remove(In)
	}

	n := 0
	for _, e := range drained {
		e.mu.Lock()
		e.ready = false
		deleted := e.deleted
		mask := e.mask
		data := e.data
		e.mu.Unlock()
		if deleted {
			continue
		}
		got := e.file.PollBy(mask, nil)
		if got == 0 {
			metrics.Add(metrics.EpollFileSpuriousWake, 1)
			continue
		}
		out[n] = EpollEvent{Events: got, Fd: e.fd, Data: data}
		n++
		ef.markReady(e)
	}
	return n
}

// Wait implements spec.md §4.7's wait(max_events): drains whatever is
// ready, suspending on the epoll's own readiness cell if nothing is.
func (ef *EpollFile) Wait(out []EpollEvent) int {
	metrics.Add(metrics.EpollFileWaitCalls, 1)
	var poller readiness.Poller
	defer poller.Cancel()
	for {
		if n := ef.popReady(out); n > 0 {
			return n
		}
		if ev := ef.pollee.PollBy(In, &poller); ev != 0 {
			continue
		}
		poller.Wait()
	}
}
