package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-pramfs/common"
)

func record() []byte {
	rec := make([]byte, common.INODESZ)
	for i := range rec[:common.INODESZ-common.SUMSZ] {
		rec[i] = byte(i * 7)
	}
	return rec
}

func TestKnownVector(t *testing.T) {
	// CRC-16/MODBUS check value for "123456789"
	rec := append([]byte("123456789"), 0, 0, 0, 0)
	assert.Equal(t, uint16(0x4B37), Compute(rec))
}

func TestStoreVerify(t *testing.T) {
	assert := assert.New(t)
	rec := record()
	assert.False(Verify(rec), "fresh record has no checksum")

	Store(rec)
	assert.True(Verify(rec))
	assert.Equal(Compute(rec), Stored(rec))

	// the checksum field itself is excluded
	before := Compute(rec)
	rec[len(rec)-1] ^= 0xff
	assert.Equal(before, Compute(rec))
}

func TestSingleByteCorruption(t *testing.T) {
	rec := record()
	Store(rec)
	for i := uint64(0); i < common.INODESZ-common.SUMSZ; i++ {
		rec[i] ^= 0x01
		assert.False(t, Verify(rec), "flip at byte %d not detected", i)
		rec[i] ^= 0x01
	}
	assert.True(t, Verify(rec))
}

func TestZeroRecord(t *testing.T) {
	rec := make([]byte, common.SBSIZE)
	assert.False(t, Verify(rec), "an all-zero record is never valid")
}
