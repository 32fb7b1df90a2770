package hostsock

import "github.com/tatetian/hostsock/internal/sqe"

// Defaults matching §8's test scenarios (S1-S6) and general practice.
const (
	defaultSendBufSize = 64 * 1024
	defaultRecvBufSize = 64 * 1024
	defaultBacklogSize = 8
)

// Option configures a Stream created by New/Listen/Dial.
type Option struct {
	f func(*options)
}

type options struct {
	sendBufSize                 int
	recvBufSize                 int
	backlogSize                 int
	reusePort                   bool
	rejectUnsupportedEpollFlags bool
}

func (o *options) setDefault() {
	o.sendBufSize = defaultSendBufSize
	o.recvBufSize = defaultRecvBufSize
	o.backlogSize = defaultBacklogSize
}

func newOptions(opts ...Option) *options {
	o := &options{}
	o.setDefault()
	for _, opt := range opts {
		opt.f(o)
	}
	return o
}

// WithSendBufSize sets the Sender's circular buffer capacity.
func WithSendBufSize(n int) Option {
	return Option{func(o *options) { o.sendBufSize = n }}
}

// WithRecvBufSize sets the Receiver's circular buffer capacity.
func WithRecvBufSize(n int) Option {
	return Option{func(o *options) { o.recvBufSize = n }}
}

// WithBacklogSize sets the Listener's fixed accept-backlog capacity.
func WithBacklogSize(n int) Option {
	return Option{func(o *options) { o.backlogSize = n }}
}

// WithReusePort enables SO_REUSEPORT/SO_REUSEADDR on the listening
// socket, using github.com/kavu/go_reuseport the same way the teacher's
// service layer does for its own listeners.
func WithReusePort(enabled bool) Option {
	return Option{func(o *options) { o.reusePort = enabled }}
}

// WithRejectUnsupportedEpollFlags makes EpollFile.Control return EINVAL
// for EPOLLEXCLUSIVE/EPOLLWAKEUP instead of the default (accept and log,
// per spec.md §4.7).
func WithRejectUnsupportedEpollFlags(reject bool) Option {
	return Option{func(o *options) { o.rejectUnsupportedEpollFlags = reject }}
}

// SetNumPollers starts a new submission-queue driver with n epoll loops
// and installs it as the process-global default, replacing any earlier
// one (whose loops keep running). Mirrors the teacher's
// SetNumPollers/NumPollers pair in options.go, backed here by
// internal/sqe instead of internal/poller.
func SetNumPollers(n int) error {
	q, err := sqe.NewQueue(n)
	if err != nil {
		return err
	}
	sqe.SetDefault(q)
	return nil
}
