package circularbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduceConsumeRoundTrip(t *testing.T) {
	b := New(make([]byte, 8))
	assert.True(t, b.IsEmpty())
	assert.Equal(t, 8, b.Free())

	n := b.Produce([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, b.Filled())
	assert.Equal(t, 3, b.Free())

	out := make([]byte, 5)
	n = b.Consume(out)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(out))
	assert.True(t, b.IsEmpty())
}

func TestProduceCapsAtFreeSpace(t *testing.T) {
	b := New(make([]byte, 4))
	n := b.Produce([]byte("abcdef"))
	assert.Equal(t, 4, n)
	assert.True(t, b.IsFull())
	assert.Equal(t, 0, b.Free())
}

func TestConsumeCapsAtFilled(t *testing.T) {
	b := New(make([]byte, 4))
	b.Produce([]byte("ab"))
	out := make([]byte, 10)
	n := b.Consume(out)
	assert.Equal(t, 2, n)
	assert.Equal(t, "ab", string(out[:2]))
}

func TestWrapAround(t *testing.T) {
	b := New(make([]byte, 4))
	require.Equal(t, 3, b.Produce([]byte("abc")))
	out := make([]byte, 2)
	require.Equal(t, 2, b.Consume(out))
	require.Equal(t, "ab", string(out))
	// head is now 2, tail is 3 (1 byte filled: "c")
	n := b.Produce([]byte("de")) // wraps: writes data[3]='d', data[0]='e'
	require.Equal(t, 2, n)
	require.Equal(t, 3, b.Filled())

	got := make([]byte, 3)
	require.Equal(t, 3, b.Consume(got))
	assert.Equal(t, "cde", string(got))
}

func TestPeekSpansAtWrapBoundary(t *testing.T) {
	b := New(make([]byte, 4))
	b.Produce([]byte("abcd"))
	out := make([]byte, 2)
	b.Consume(out) // head=2, filled=2, tail=0

	spans := b.PeekProducerSpans(b.Free())
	total := 0
	for _, sp := range spans {
		total += len(sp)
	}
	assert.Equal(t, 2, total)

	spans = b.PeekConsumerSpans(b.Filled())
	var got []byte
	for _, sp := range spans {
		got = append(got, sp...)
	}
	assert.Equal(t, "cd", string(got))
}

func TestProduceConsumeWithoutCopy(t *testing.T) {
	b := New(make([]byte, 4))
	spans := b.PeekProducerSpans(b.Free())
	require.Len(t, spans, 1)
	copy(spans[0], "xy")
	b.ProduceWithoutCopy(2)
	assert.Equal(t, 2, b.Filled())

	spans = b.PeekConsumerSpans(b.Filled())
	require.Len(t, spans, 1)
	got := append([]byte(nil), spans[0]...)
	b.ConsumeWithoutCopy(2)
	assert.Equal(t, "xy", string(got))
	assert.True(t, b.IsEmpty())
}

func TestProduceWithoutCopyCapsAtFree(t *testing.T) {
	b := New(make([]byte, 4))
	b.ProduceWithoutCopy(100)
	assert.Equal(t, 4, b.Filled())
}

func TestConsumeWithoutCopyCapsAtFilled(t *testing.T) {
	b := New(make([]byte, 4))
	b.ProduceWithoutCopy(2)
	b.ConsumeWithoutCopy(100)
	assert.True(t, b.IsEmpty())
}

func TestZeroLengthProduceConsumeAreNoops(t *testing.T) {
	b := New(make([]byte, 4))
	assert.Equal(t, 0, b.Produce(nil))
	assert.Equal(t, 0, b.Consume(nil))
	b.ProduceWithoutCopy(0)
	b.ConsumeWithoutCopy(-1)
	assert.True(t, b.IsEmpty())
}
