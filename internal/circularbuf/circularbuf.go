// Package circularbuf implements the bounded byte ring shared between a
// Sender/Receiver half and the submission-queue driver: the driver's
// sendmsg/recvmsg requests DMA directly into the ring's backing array
// (allocated from the untrusted arena, see internal/untrusted), while the
// socket's own try_read/try_write copy in and out of it.
//
// It is the Go analogue of the teacher's internal/buffer.FixedReadBuffer,
// generalized to a true ring (wrap-around) and to lending zero-copy views
// of its free/filled regions rather than only Read/Peek/Skip.
package circularbuf

import "go.uber.org/atomic"

// Span is a contiguous region of the ring's backing array.
type Span []byte

// Buf is a fixed-capacity circular byte buffer. The zero value is not
// usable; construct with New. Concurrent callers must still serialize
// around it themselves (the socket halves do so via their own inner lock);
// Buf's own counters are atomic only so that len()-style queries from an
// unrelated goroutine (e.g. metrics) never race.
type Buf struct {
	data []byte
	head int // next byte to consume
	// filled is kept as an atomic so readers outside the owning lock
	// (e.g. diagnostics) can snapshot occupancy without racing the
	// detector; all mutation still happens under the caller's lock.
	filled atomic.Int64
}

// New wraps buf as a ring whose capacity is len(buf). buf is the
// caller-provided backing storage (normally obtained from the
// untrusted arena so the host kernel can DMA into/out of it directly).
func New(buf []byte) *Buf {
	return &Buf{data: buf}
}

// Capacity returns the fixed capacity of the ring.
func (b *Buf) Capacity() int { return len(b.data) }

// Backing returns the ring's full backing array, for a caller that wants
// to return it to whatever allocator it came from (e.g.
// internal/untrusted.FreeBytes) once the ring is no longer needed.
func (b *Buf) Backing() []byte { return b.data }

// Filled returns the number of bytes currently stored.
func (b *Buf) Filled() int { return int(b.filled.Load()) }

// Free returns the number of bytes of free space.
func (b *Buf) Free() int { return len(b.data) - b.Filled() }

// IsFull reports whether the ring has no free space.
func (b *Buf) IsFull() bool { return b.Filled() == len(b.data) }

// IsEmpty reports whether the ring holds no data.
func (b *Buf) IsEmpty() bool { return b.Filled() == 0 }

func (b *Buf) tail() int {
	return (b.head + b.Filled()) % len(b.data)
}

// Produce copies as much of src as fits into free space, returning the
// number of bytes copied.
func (b *Buf) Produce(src []byte) int {
	n := 0
	b.withProducerSpans(len(src), func(spans []Span) int {
		for _, sp := range spans {
			c := copy(sp, src[n:])
			n += c
			if c < len(sp) {
				break
			}
		}
		return n
	})
	return n
}

// Consume copies as much data as fits into dst out of the ring, returning
// the number of bytes copied.
func (b *Buf) Consume(dst []byte) int {
	n := 0
	b.withConsumerSpans(len(dst), func(spans []Span) int {
		for _, sp := range spans {
			c := copy(dst[n:], sp)
			n += c
			if c < len(sp) {
				break
			}
		}
		return n
	})
	return n
}

// PeekProducerSpans returns up to two contiguous free spans without
// advancing any cursor, for callers (the submission-queue driver) that
// need the spans before issuing an async fill and can only call
// ProduceWithoutCopy once the fill completes.
func (b *Buf) PeekProducerSpans(maxLen int) []Span {
	return b.producerSpans(maxLen)
}

// PeekConsumerSpans returns up to two contiguous filled spans without
// advancing any cursor, the drain-side analogue of PeekProducerSpans.
func (b *Buf) PeekConsumerSpans(maxLen int) []Span {
	return b.consumerSpans(maxLen)
}

// producerSpans returns up to two contiguous free spans (wrap-around),
// capped at want bytes total.
func (b *Buf) producerSpans(want int) []Span {
	free := b.Free()
	if want > free {
		want = free
	}
	if want <= 0 {
		return nil
	}
	t := b.tail()
	cap := len(b.data)
	first := cap - t
	if first >= want {
		return []Span{b.data[t : t+want]}
	}
	return []Span{b.data[t:cap], b.data[:want-first]}
}

// consumerSpans returns up to two contiguous filled spans, capped at want
// bytes total.
func (b *Buf) consumerSpans(want int) []Span {
	filled := b.Filled()
	if want > filled {
		want = filled
	}
	if want <= 0 {
		return nil
	}
	cap := len(b.data)
	first := cap - b.head
	if first >= want {
		return []Span{b.data[b.head : b.head+want]}
	}
	return []Span{b.data[b.head:cap], b.data[:want-first]}
}

// WithProducerView lends the free region as up to two contiguous spans to
// f, which returns the number of bytes it actually wrote into them
// (e.g. via a host-kernel recvmsg). The cursor advances by that amount.
// maxLen bounds how much of the free region is offered (pass Free() or
// more for "as much as possible").
func (b *Buf) WithProducerView(maxLen int, f func(spans []Span) int) int {
	return b.withProducerSpans(maxLen, f)
}

func (b *Buf) withProducerSpans(maxLen int, f func(spans []Span) int) int {
	spans := b.producerSpans(maxLen)
	if spans == nil {
		return 0
	}
	n := f(spans)
	b.ProduceWithoutCopy(n)
	return n
}

// WithConsumerView lends the filled region as up to two contiguous spans
// to f, which returns the number of bytes it actually consumed (e.g. via a
// host-kernel sendmsg). The cursor advances by that amount.
func (b *Buf) WithConsumerView(maxLen int, f func(spans []Span) int) int {
	return b.withConsumerSpans(maxLen, f)
}

func (b *Buf) withConsumerSpans(maxLen int, f func(spans []Span) int) int {
	spans := b.consumerSpans(maxLen)
	if spans == nil {
		return 0
	}
	n := f(spans)
	b.ConsumeWithoutCopy(n)
	return n
}

// ProduceWithoutCopy advances the fill cursor by n bytes after an external
// writer (the submission-queue driver) has already filled them in-place
// via a span obtained from WithProducerView.
func (b *Buf) ProduceWithoutCopy(n int) {
	if n <= 0 {
		return
	}
	if n > b.Free() {
		n = b.Free()
	}
	b.filled.Add(int64(n))
}

// ConsumeWithoutCopy advances the drain cursor by n bytes after an
// external reader has already drained them in-place via a span obtained
// from WithConsumerView.
func (b *Buf) ConsumeWithoutCopy(n int) {
	if n <= 0 {
		return
	}
	if n > b.Filled() {
		n = b.Filled()
	}
	b.head = (b.head + n) % len(b.data)
	b.filled.Add(int64(-n))
}
