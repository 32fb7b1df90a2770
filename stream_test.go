package hostsock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

func mustListen(t *testing.T, backlog int, opts ...Option) (*Stream, *TCPAddr) {
	t.Helper()
	opts = append([]Option{WithBacklogSize(backlog)}, opts...)
	ls, errno := Listen("tcp", "127.0.0.1:0", opts...)
	require.Zero(t, errno, "listen: %v", errno)
	addr, errno := ls.Addr()
	require.Zero(t, errno)
	return ls, addr
}

// TestEcho is spec.md's S1: a client writes "HELLO", the server echoes it
// back, and a half-shutdown read observes EOF on both ends.
func TestEcho(t *testing.T) {
	ls, addr := mustListen(t, 8)
	defer ls.Close()

	accepted := make(chan *Stream, 1)
	go func() {
		cs, errno := ls.Accept()
		require.Zero(t, errno)
		accepted <- cs
	}()

	client, errno := Dial("tcp", addr.String())
	require.Zero(t, errno)
	defer client.Close()

	var server *Stream
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}
	defer server.Close()

	n, errno := client.Write([]byte("HELLO"))
	require.Zero(t, errno)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, errno = server.Read(buf)
	require.Zero(t, errno)
	require.Equal(t, "HELLO", string(buf[:n]))

	n, errno = server.Write(buf[:n])
	require.Zero(t, errno)
	require.Equal(t, 5, n)

	n, errno = client.Read(buf)
	require.Zero(t, errno)
	assert.Equal(t, "HELLO", string(buf[:n]))

	require.Zero(t, client.Shutdown(ShutdownWrite))
	require.Zero(t, server.Shutdown(ShutdownWrite))

	n, errno = server.Read(buf)
	assert.Zero(t, errno)
	assert.Equal(t, 0, n)

	n, errno = client.Read(buf)
	assert.Zero(t, errno)
	assert.Equal(t, 0, n)
}

// TestConnectRefusedThenRetrySucceeds is spec.md's S2: connecting to a
// closed port rolls the Stream back to Init untouched, and the same
// Stream can then bind+connect successfully afterward.
func TestConnectRefusedThenRetrySucceeds(t *testing.T) {
	s, err := New(unix.AF_INET)
	require.NoError(t, err)
	defer s.Close()

	refused := &TCPAddr{}
	refused.IP = []byte{127, 0, 0, 1}
	refused.Port = 1

	errno := s.Connect(refused)
	require.Equal(t, unix.ECONNREFUSED, errno)

	// Stream must have rolled back to Init: Bind is legal again.
	local := &TCPAddr{}
	local.IP = []byte{127, 0, 0, 1}
	errno = s.Bind(local)
	require.Zero(t, errno)

	ls, addr := mustListen(t, 8)
	defer ls.Close()
	accepted := make(chan Errno, 1)
	go func() {
		_, errno := ls.Accept()
		accepted <- errno
	}()

	errno = s.Connect(addr)
	require.Zero(t, errno, "retry connect should succeed: %v", errno)

	select {
	case errno := <-accepted:
		require.Zero(t, errno)
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}
}

// TestEOFIsStable is spec.md's S4: once a peer's write half is closed, every
// subsequent read returns (0, nil), not just the first.
func TestEOFIsStable(t *testing.T) {
	ls, addr := mustListen(t, 8)
	defer ls.Close()

	accepted := make(chan *Stream, 1)
	go func() {
		cs, errno := ls.Accept()
		require.Zero(t, errno)
		accepted <- cs
	}()

	client, errno := Dial("tcp", addr.String())
	require.Zero(t, errno)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	n, errno := client.Write([]byte("abc"))
	require.Zero(t, errno)
	require.Equal(t, 3, n)
	require.Zero(t, client.Shutdown(ShutdownWrite))

	buf := make([]byte, 16)
	n, errno = server.Read(buf)
	require.Zero(t, errno)
	require.Equal(t, "abc", string(buf[:n]))

	n, errno = server.Read(buf)
	assert.Zero(t, errno)
	assert.Equal(t, 0, n)

	n, errno = server.Read(buf)
	assert.Zero(t, errno)
	assert.Equal(t, 0, n)
}

// TestBackpressureBlocksWriterUntilPeerDrains is spec.md's S3: with the
// peer never reading, a writer hammering Write eventually stalls once
// the send ring (and the real kernel socket buffer behind it) fill up,
// and only makes further progress once the peer actually reads.
func TestBackpressureBlocksWriterUntilPeerDrains(t *testing.T) {
	const bufSize = 4096

	ls, addr := mustListen(t, 8, WithRecvBufSize(bufSize))
	defer ls.Close()

	accepted := make(chan *Stream, 1)
	go func() {
		cs, errno := ls.Accept()
		require.Zero(t, errno)
		accepted <- cs
	}()

	client, errno := Dial("tcp", addr.String(), WithSendBufSize(bufSize))
	require.Zero(t, errno)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	var written atomic.Int64
	chunk := make([]byte, bufSize)
	go func() {
		for {
			n, errno := client.Write(chunk)
			if errno != 0 {
				return
			}
			written.Add(int64(n))
		}
	}()

	// With nobody reading, the writer must stall once the ring and the
	// real kernel send buffer behind it are both full: two samples taken
	// a beat apart should see no further progress.
	require.Eventually(t, func() bool { return written.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	before := written.Load()
	time.Sleep(300 * time.Millisecond)
	stalled := written.Load()
	assert.Equal(t, before, stalled, "writer kept making progress with nobody reading")

	drain := make([]byte, bufSize)
	for i := 0; i < 64; i++ {
		n, errno := server.Read(drain)
		require.Zero(t, errno)
		require.Greater(t, n, 0)
	}

	require.Eventually(t, func() bool { return written.Load() > stalled }, 2*time.Second, 10*time.Millisecond,
		"write never woke back up after the peer drained data")
}

// TestListenerSaturationStaysWithinCapacity is spec.md's S5: with backlog
// capacity 4 and 10 connects made while Accept runs concurrently, every
// connect is eventually accepted and pending+completed never exceeds
// capacity.
func TestListenerSaturationStaysWithinCapacity(t *testing.T) {
	const capacity = 4
	const nclients = 10

	ls, addr := mustListen(t, capacity)
	defer ls.Close()

	errs := make(chan Errno, nclients)
	go func() {
		for i := 0; i < nclients; i++ {
			_, errno := ls.Accept()
			errs <- errno
		}
	}()

	clients := make([]*Stream, 0, nclients)
	for i := 0; i < nclients; i++ {
		c, errno := Dial("tcp", addr.String())
		require.Zero(t, errno)
		clients = append(clients, c)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	b := ls.lis.b
	for i := 0; i < nclients; i++ {
		select {
		case errno := <-errs:
			require.Zero(t, errno)
			b.mu.Lock()
			_, pending, completed := b.counts()
			b.mu.Unlock()
			assert.LessOrEqual(t, pending+completed, capacity)
		case <-time.After(5 * time.Second):
			t.Fatalf("accept %d never completed", i)
		}
	}
}
