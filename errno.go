package hostsock

import (
	"golang.org/x/sys/unix"
)

// Errno is a POSIX-style error code. hostsock re-uses unix.Errno values
// directly (rather than inventing its own enum) since every completion
// from the submission queue already arrives as a kernel errno, and
// callers comparing against e.g. unix.ECONNREFUSED should just work.
type Errno = unix.Errno

// Sentinel errnos used at the boundary, per spec.md §6-7.
const (
	// EINVAL: operation not legal in the socket's current state.
	EINVAL = unix.EINVAL
	// EAGAIN: internal-only signal that a non-blocking attempt found
	// nothing; never surfaced from a public async call, which loops on
	// it via the readiness cell instead.
	EAGAIN = unix.EAGAIN
	// EPIPE: write (or read) attempted on a half that has been shut down.
	EPIPE = unix.EPIPE
	// EEXIST: EpollFile.Control(Add) on an already-registered fd.
	EEXIST = unix.EEXIST
	// ENOENT: EpollFile.Control(Mod/Del) on an fd that isn't registered.
	ENOENT = unix.ENOENT
)

// IsFatal reports whether errno represents a fatal, monotonic socket
// error rather than one of the synchronous logical/contract errors
// (EINVAL, EEXIST, ENOENT), the half-shutdown EPIPE, or the internal-only
// EAGAIN signal.
func IsFatal(errno Errno) bool {
	switch errno {
	case EINVAL, EAGAIN, EPIPE, EEXIST, ENOENT:
		return false
	default:
		return true
	}
}
