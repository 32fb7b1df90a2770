package hostsock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitWithTimeout(t *testing.T, ef *EpollFile, out []EpollEvent, timeout time.Duration) (int, bool) {
	t.Helper()
	done := make(chan int, 1)
	go func() { done <- ef.Wait(out) }()
	select {
	case n := <-done:
		return n, true
	case <-time.After(timeout):
		return 0, false
	}
}

// TestEpollLevelTriggered is spec.md's S6: a readable connection keeps
// reporting IN on repeated waits until drained, then goes quiet.
func TestEpollLevelTriggered(t *testing.T) {
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

	ef := NewEpollFile(false)
	require.Zero(t, ef.Control(CtlAdd, 1, server, In, 0, 42))

	_, errno = client.Write([]byte("x"))
	require.Zero(t, errno)

	out := make([]EpollEvent, 16)
	n, woke := waitWithTimeout(t, ef, out, 2*time.Second)
	require.True(t, woke, "first wait never returned")
	require.Equal(t, 1, n)
	assert.Equal(t, int32(1), out[0].Fd)
	assert.Equal(t, uint64(42), out[0].Data)
	assert.NotZero(t, out[0].Events&In)

	// Without reading, IN is still asserted (level-triggered).
	n, woke = waitWithTimeout(t, ef, out, 2*time.Second)
	require.True(t, woke, "second wait never returned")
	require.Equal(t, 1, n)
	assert.NotZero(t, out[0].Events&In)

	buf := make([]byte, 1)
	_, errno = server.Read(buf)
	require.Zero(t, errno)

	_, woke = waitWithTimeout(t, ef, out, 200*time.Millisecond)
	assert.False(t, woke, "wait should not return once drained")
}

func TestEpollControlAddDuplicateFdReturnsEEXIST(t *testing.T) {
	ls, _ := mustListen(t, 8)
	defer ls.Close()

	ef := NewEpollFile(false)
	require.Zero(t, ef.Control(CtlAdd, 1, ls, In, 0, 0))
	errno := ef.Control(CtlAdd, 1, ls, In, 0, 0)
	assert.Equal(t, EEXIST, errno)
}

func TestEpollControlModUnknownFdReturnsENOENT(t *testing.T) {
	ef := NewEpollFile(false)
	errno := ef.Control(CtlMod, 7, nil, In, 0, 0)
	assert.Equal(t, ENOENT, errno)
}

func TestEpollControlDelUnknownFdReturnsENOENT(t *testing.T) {
	ef := NewEpollFile(false)
	errno := ef.Control(CtlDel, 7, nil, 0, 0, 0)
	assert.Equal(t, ENOENT, errno)
}

func TestEpollControlRejectsUnsupportedFlagsWhenConfigured(t *testing.T) {
	ls, _ := mustListen(t, 8)
	defer ls.Close()

	ef := NewEpollFile(true)
	errno := ef.Control(CtlAdd, 1, ls, In, FlagExclusive, 0)
	assert.Equal(t, EINVAL, errno)
}

func TestEpollControlAcceptsUnsupportedFlagsByDefault(t *testing.T) {
	ls, _ := mustListen(t, 8)
	defer ls.Close()

	ef := NewEpollFile(false)
	errno := ef.Control(CtlAdd, 1, ls, In, FlagExclusive, 0)
	assert.Zero(t, errno)
}

func TestEpollDelStopsFurtherNotifications(t *testing.T) {
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

	ef := NewEpollFile(false)
	require.Zero(t, ef.Control(CtlAdd, 1, server, In, 0, 0))
	require.Zero(t, ef.Control(CtlDel, 1, nil, 0, 0, 0))

	_, errno = client.Write([]byte("y"))
	require.Zero(t, errno)

	out := make([]EpollEvent, 16)
	_, woke := waitWithTimeout(t, ef, out, 200*time.Millisecond)
	assert.False(t, woke, "deleted entry should not surface events")
}
