package hostsock

import "golang.org/x/sys/unix"

// connectedStream is spec.md §3/§4.4-4.5's Connected state: a full-duplex
// sender + receiver sharing one common descriptor and readiness cell.
type connectedStream struct {
	c        *common
	peer     *TCPAddr
	sender   *sender
	receiver *receiver
}

func newConnectedStream(c *common, peer *TCPAddr, o *options) *connectedStream {
	return &connectedStream{
		c:        c,
		peer:     peer,
		sender:   newSender(c, o.sendBufSize),
		receiver: newReceiver(c, o.recvBufSize),
	}
}

func (cs *connectedStream) write(p []byte) (int, Errno) { return cs.sender.write(p) }
func (cs *connectedStream) read(p []byte) (int, Errno)  { return cs.receiver.read(p) }

// ShutdownHow selects which half(s) of a connectedStream to shut down,
// supplementing spec.md's prose-only "shutdown" with the original
// implementation's explicit direction (see SPEC_FULL.md §3).
type ShutdownHow int

// Shutdown directions.
const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

// sysShutdownHow maps a ShutdownHow to the how argument shutdown(2) wants,
// so a half-close is also visible to the peer, not just to this side's own
// sender/receiver bookkeeping.
func sysShutdownHow(how ShutdownHow) int {
	switch how {
	case ShutdownRead:
		return unix.SHUT_RD
	case ShutdownWrite:
		return unix.SHUT_WR
	default:
		return unix.SHUT_RDWR
	}
}

func (cs *connectedStream) shutdown(how ShutdownHow) {
	if how == ShutdownRead || how == ShutdownBoth {
		cs.receiver.closeRead()
	}
	if how == ShutdownWrite || how == ShutdownBoth {
		cs.sender.closeWrite()
	}
	unix.Shutdown(cs.c.fd, sysShutdownHow(how))
}

// close cancels both halves' outstanding submissions; tolerated by their
// completion callbacks even if they still fire afterwards.
func (cs *connectedStream) close() {
	cs.sender.cancel()
	cs.receiver.cancel()
}
