//
//
// hostsock — a host-backed asynchronous TCP socket subsystem.
//
//

package hostsock

import "github.com/tatetian/hostsock/internal/readiness"

// Events is a bitmask over the POSIX poll event set, re-exported from
// internal/readiness so callers never need to import that package
// directly.
type Events = readiness.Events

// Event bits.
const (
	In    = readiness.In
	Pri   = readiness.Pri
	Out   = readiness.Out
	Err   = readiness.Err
	Hup   = readiness.Hup
	NVal  = readiness.NVal
	RdHup = readiness.RdHup
)

// AlwaysPoll is implicitly observable on every Poll/PollBy call regardless
// of the requested mask: ERR|HUP|NVAL are always worth reporting.
const AlwaysPoll = readiness.AlwaysPoll
