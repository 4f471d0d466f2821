// buf provides typed windows onto objects in the region: index blocks full
// of block pointers, bitmap bytes, and raw data blocks.
package buf

import (
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/util"
)

// A Buf is a view of a region object. Data aliases the region, so writes
// through it are stores to persistent memory and must happen inside a
// barrier window.
type Buf struct {
	Addr addr.Addr
	Data []byte
}

// MkBufLoad returns a view of the object at addr inside the region contents.
func MkBufLoad(addr addr.Addr, region []byte) *Buf {
	b := &Buf{
		Addr: addr,
		Data: addr.Slice(region),
	}
	return b
}

// NPtr is the number of block pointers the buf holds.
func (buf *Buf) NPtr() uint64 {
	return buf.Addr.Sz / common.PTRSZ
}

// BnumGet reads the i-th block pointer.
func (buf *Buf) BnumGet(i uint64) uint64 {
	off := i * common.PTRSZ
	dec := marshal.NewDec(buf.Data[off : off+common.PTRSZ])
	return dec.GetInt()
}

// BnumPut writes the i-th block pointer.
func (buf *Buf) BnumPut(i uint64, v uint64) {
	off := i * common.PTRSZ
	enc := marshal.NewEnc(common.PTRSZ)
	enc.PutInt(v)
	copy(buf.Data[off:off+common.PTRSZ], enc.Finish())
	util.DPrintf(20, "%v: ptr[%d] = %#x\n", buf.Addr, i, v)
}

// IsEmpty reports whether every pointer in [from, NPtr) is zero.
func (buf *Buf) IsEmpty(from uint64) bool {
	for i := from; i < buf.NPtr(); i++ {
		if buf.BnumGet(i) != 0 {
			return false
		}
	}
	return true
}

func (buf *Buf) Zero() {
	for i := range buf.Data {
		buf.Data[i] = 0
	}
}

// Bit reports bit n (LSB first within each byte).
func (buf *Buf) Bit(n uint64) bool {
	return buf.Data[n/8]&(1<<(n%8)) != 0
}

func (buf *Buf) SetBit(n uint64) {
	buf.Data[n/8] = buf.Data[n/8] | (1 << (n % 8))
}

func (buf *Buf) ClearBit(n uint64) {
	buf.Data[n/8] = buf.Data[n/8] & ^(1 << (n % 8))
}
