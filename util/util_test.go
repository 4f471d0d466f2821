package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMin(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(0), Min(0, 243), "no blocks mapped yet")
	assert.Equal(uint64(7), Min(512, 7))
	assert.Equal(uint64(64), Min(64, 64))
}

func TestRoundUp(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(1), RoundUp(1, 4096), "one byte needs a block")
	assert.Equal(uint64(1), RoundUp(4096, 4096), "exact fit")
	assert.Equal(uint64(2), RoundUp(4097, 4096))
	assert.Equal(uint64(0), RoundUp(0, 2048))
	assert.Equal(uint64(1), RoundUp(243, 8*4096), "bitmap blocks for a 1 MiB region")
}

func TestAlignUp(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(uint64(53248), AlignUp(52608, 4096))
	assert.Equal(uint64(4096), AlignUp(4096, 4096), "already aligned")
	assert.Equal(uint64(0), AlignUp(0, 512))
	assert.Equal(uint64(512), AlignUp(1, 512))
}

func TestSumOverflows(t *testing.T) {
	assert := assert.New(t)
	assert.False(SumOverflows(0x10000000, 1<<20))
	assert.False(SumOverflows(1<<64-4096, 4095))
	assert.True(SumOverflows(1<<64-4096, 4096), "region ending past the address space")
	assert.True(SumOverflows(1<<63, 1<<63))
}

func TestPow2(t *testing.T) {
	assert := assert.New(t)
	assert.True(IsPow2(4096))
	assert.False(IsPow2(0))
	assert.False(IsPow2(3000))
	assert.Equal(uint64(12), Log2(4096))
	assert.Equal(uint64(9), Log2(512))
}
