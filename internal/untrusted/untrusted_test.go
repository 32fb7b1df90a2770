package untrusted

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocBytesReturnsExactLength(t *testing.T) {
	b := AllocBytes(100)
	assert.Len(t, b, 100)
}

func TestAllocBytesZeroOrNegativeIsNil(t *testing.T) {
	assert.Nil(t, AllocBytes(0))
	assert.Nil(t, AllocBytes(-1))
}

func TestAllocAfterFreeReturnsExactLength(t *testing.T) {
	b := AllocBytes(64)
	b[0] = 0xAB
	FreeBytes(b)

	b2 := AllocBytes(64)
	assert.Len(t, b2, 64)
}

func TestAllocBytesAboveMaxPooledSizeAllocatesDirectly(t *testing.T) {
	b := AllocBytes(maxPooledSize + 1)
	assert.Len(t, b, maxPooledSize+1)
	// FreeBytes on an oversized slice is a no-op, not a panic.
	FreeBytes(b)
}

func TestBoxPinsValueAtStableAddress(t *testing.T) {
	box := NewBox[[8]byte]()
	p1 := box.Get()
	p1[0] = 'x'
	p2 := box.Get()
	assert.Same(t, p1, p2)
	assert.Equal(t, byte('x'), p2[0])
}
