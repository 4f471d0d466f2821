package buf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-pramfs/addr"
)

func TestPointers(t *testing.T) {
	assert := assert.New(t)
	region := make([]byte, 4096)
	b := MkBufLoad(addr.MkAddr(1024, 512), region)
	assert.Equal(uint64(64), b.NPtr())
	assert.True(b.IsEmpty(0))

	b.BnumPut(3, 0x1122334455667788)
	assert.Equal(uint64(0x1122334455667788), b.BnumGet(3))
	assert.Equal(byte(0x88), region[1024+3*8], "little endian")
	assert.False(b.IsEmpty(0))
	assert.False(b.IsEmpty(3))
	assert.True(b.IsEmpty(4))

	b.Zero()
	assert.True(b.IsEmpty(0))
}

func TestBits(t *testing.T) {
	assert := assert.New(t)
	region := make([]byte, 16)
	b := MkBufLoad(addr.MkAddr(0, 16), region)
	b.SetBit(0)
	b.SetBit(9)
	assert.Equal(byte(0x01), region[0])
	assert.Equal(byte(0x02), region[1])
	assert.True(b.Bit(9))
	assert.False(b.Bit(8))
	b.ClearBit(9)
	assert.Equal(byte(0x00), region[1])
}
