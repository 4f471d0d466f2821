package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mit-pdos/go-pramfs/common"
)

func TestAddrs(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(Addr{Off: 0, Sz: 128}, MkSuperAddr(0))
	assert.Equal(Addr{Off: 128, Sz: 128}, MkSuperAddr(1))
	assert.Equal(Addr{Off: common.ROOTINUM, Sz: common.INODESZ}, MkInodeAddr(common.ROOTINUM))
	assert.Equal(Addr{Off: 4096 + 2, Sz: 1}, MkBitAddr(4096, 17))
	assert.Equal(uint64(4096+3), MkBitAddr(4096, 17).End())
}

func TestSlice(t *testing.T) {
	b := make([]byte, 64)
	s := MkAddr(8, 16).Slice(b)
	assert.Equal(t, 16, len(s))
	assert.Equal(t, 16, cap(s), "capped so appends cannot spill")
	s[0] = 7
	assert.Equal(t, byte(7), b[8])
	assert.Panics(t, func() { MkAddr(60, 8).Slice(b) })
}
