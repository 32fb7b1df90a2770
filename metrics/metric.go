//
//
// Adapted from trpc-group/tnet's metrics package for hostsock's socket
// core: same atomic-counter-array design, renamed to the events this
// module's submission-queue driver and backlog actually produce.
//
//

// Package metrics provides runtime counters for the socket core, useful
// for spotting a saturated backlog, a stuck sender, or an epoll loop
// spinning without events.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Submission-queue driver
	ConnectAttempts = iota
	ConnectFailures
	AcceptCompletions
	AcceptFailures
	SendmsgCalls
	SendmsgFailures
	SendmsgBytes
	RecvmsgCalls
	RecvmsgFailures
	RecvmsgBytes

	// Epoll loop
	EpollWaitCalls
	EpollEventsDelivered

	// Listener backlog
	BacklogSaturated
	BacklogSlotCompleted

	// Epoll multiplexer (EpollFile)
	EpollFileWaitCalls
	EpollFileSpuriousWake

	Max
)

var metricsArr [Max]atomic.Uint64

// Add adds delta to the named counter.
func Add(name int, delta uint64) {
	if name >= Max {
		return
	}
	metricsArr[name].Add(delta)
}

// Get returns one counter's current value.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return metricsArr[name].Load()
}

// GetAll returns a snapshot of every counter.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metricsArr {
		m[i] = metricsArr[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod blocks for d, then prints the delta of every
// counter observed over that period.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	cur := GetAll()
	var m [Max]uint64
	for i := range metricsArr {
		m[i] = cur[i] - old[i]
	}
	show(m)
}

// ShowMetrics prints the current value of every counter.
func ShowMetrics() {
	show(GetAll())
}

func show(m [Max]uint64) {
	fmt.Println("######### hostsock metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	fmt.Printf("%-50s: %d\n", "# connect attempts", m[ConnectAttempts])
	fmt.Printf("%-50s: %d\n", "#   of which failed", m[ConnectFailures])
	fmt.Printf("%-50s: %d\n", "# accept completions", m[AcceptCompletions])
	fmt.Printf("%-50s: %d\n", "#   of which failed", m[AcceptFailures])
	fmt.Printf("%-50s: %d\n", "# sendmsg calls", m[SendmsgCalls])
	fmt.Printf("%-50s: %d / %d\n", "#   failures / bytes", m[SendmsgFailures], m[SendmsgBytes])
	fmt.Printf("%-50s: %d\n", "# recvmsg calls", m[RecvmsgCalls])
	fmt.Printf("%-50s: %d / %d\n", "#   failures / bytes", m[RecvmsgFailures], m[RecvmsgBytes])
	fmt.Printf("%-50s: %d\n", "# epoll_wait calls", m[EpollWaitCalls])
	fmt.Printf("%-50s: %d\n", "#   events delivered", m[EpollEventsDelivered])
	fmt.Printf("%-50s: %d\n", "# backlog saturation events", m[BacklogSaturated])
	fmt.Printf("%-50s: %d\n", "# backlog slots completed", m[BacklogSlotCompleted])
	fmt.Printf("%-50s: %d\n", "# EpollFile.Wait calls", m[EpollFileWaitCalls])
	fmt.Printf("%-50s: %d\n", "#   spurious wakes", m[EpollFileSpuriousWake])
}
