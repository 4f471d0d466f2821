package barrier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/checksum"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/region"
)

func mkRegion(t *testing.T) region.Region {
	b := region.NewMemBank(0, 4*common.PAGESIZE)
	r, err := b.Map(0, 4*common.PAGESIZE)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestChecksumCurrentAfterEnd(t *testing.T) {
	assert := assert.New(t)
	r := mkRegion(t)
	a := addr.MkInodeAddr(common.ROOTINUM)

	m := Begin(r, a)
	assert.True(r.Writable(a.Off))
	m.Data()[0] = 42
	m.End()
	assert.False(r.Writable(a.Off))
	assert.True(checksum.Verify(a.Slice(r.Bytes())))

	// a store that bypasses the barrier is caught by the checksum
	a.Slice(r.Bytes())[5] ^= 0x10
	assert.False(checksum.Verify(a.Slice(r.Bytes())))

	m.End()
	assert.False(checksum.Verify(a.Slice(r.Bytes())), "second End is a no-op")
	assert.Panics(func() { m.Data() })
}

func TestEndOnPanic(t *testing.T) {
	r := mkRegion(t)
	a := addr.MkSuperAddr(0)
	assert.Panics(t, func() {
		Do(r, a, func(b []byte) {
			b[0] = 1
			panic("boom")
		})
	})
	assert.False(t, r.Writable(a.Off), "window closed on the panic path")
	assert.True(t, checksum.Verify(a.Slice(r.Bytes())))
}

func TestRawHasNoChecksum(t *testing.T) {
	r := mkRegion(t)
	a := addr.MkAddr(common.PAGESIZE, common.PAGESIZE)
	DoRaw(r, a, func(b []byte) {
		for i := range b {
			b[i] = 0xff
		}
	})
	assert.Equal(t, byte(0xff), r.Bytes()[2*common.PAGESIZE-1], "no trailing checksum")
	assert.False(t, r.Writable(a.Off))
}

func TestNestedWindows(t *testing.T) {
	r := mkRegion(t)
	sb := Begin(r, addr.MkSuperAddr(0))
	ino := Begin(r, addr.MkInodeAddr(common.ROOTINUM))
	sb.End()
	assert.True(t, r.Writable(common.ROOTINUM), "inode window shares the page")
	ino.Data()[0] = 1
	ino.End()
	assert.False(t, r.Writable(0))
}
