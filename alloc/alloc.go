package alloc

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/barrier"
	"github.com/mit-pdos/go-pramfs/buf"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/super"
	"github.com/mit-pdos/go-pramfs/util"
)

// Alloc hands out data blocks using the on-region bitmap. Bit n is set iff
// block n is in use; the first BitmapBlocks bits cover the bitmap itself and
// are never cleared.
//
// Searches start at the superblock's hint and run forward to the end of the
// bitmap without wrapping. The hint only moves back when a block below it is
// freed, which keeps every clear bit at or above it.
type Alloc struct {
	fs *super.FsSuper
}

func MkAlloc(fs *super.FsSuper) *Alloc {
	return &Alloc{fs: fs}
}

// Init marks the bitmap blocks in use and everything else free. Used only
// when formatting.
func (a *Alloc) Init() {
	n := a.fs.BitmapBlocks
	barrier.DoRaw(a.fs.R, a.fs.BitmapAddr(), func(b []byte) {
		bm := &buf.Buf{Addr: a.fs.BitmapAddr(), Data: b}
		bm.Zero()
		for bn := uint64(0); bn < n; bn++ {
			bm.SetBit(bn)
		}
	})
	util.DPrintf(1, "Init: bitmap marks [0, %d) in use\n", n)
}

func (a *Alloc) bitmap() *buf.Buf {
	return buf.MkBufLoad(a.fs.BitmapAddr(), a.fs.R.Bytes())
}

// IsUsed reports the bit for block bn.
func (a *Alloc) IsUsed(bn common.Bnum) bool {
	return a.bitmap().Bit(bn)
}

// findFreeBit returns the first clear bit in [start, end).
func (a *Alloc) findFreeBit(start uint64, end uint64) (uint64, bool) {
	bm := a.bitmap()
	n := start
	for n < end {
		if n%8 == 0 && bm.Data[n/8] == 0xff {
			n += 8
			continue
		}
		if !bm.Bit(n) {
			return n, true
		}
		n++
	}
	return 0, false
}

func (a *Alloc) setBit(bn common.Bnum, used bool) {
	barrier.DoRaw(a.fs.R, addr.MkBitAddr(a.fs.BitmapStart, bn), func(b []byte) {
		bit := &buf.Buf{Data: b}
		if used {
			bit.SetBit(bn % 8)
		} else {
			bit.ClearBit(bn % 8)
		}
	})
}

// AllocNum allocates the first free block at or after the hint and, if zero
// is set, clears its contents. It fails with ENOSPC when the free counter is
// zero or when nothing is free between the hint and the end of the bitmap.
func (a *Alloc) AllocNum(zero bool) (common.Bnum, error) {
	fs := a.fs
	fs.Lock()
	defer fs.Unlock()

	sb := fs.Read()
	if sb.FreeBlocks == 0 {
		logrus.Error("all blocks allocated")
		return 0, fmt.Errorf("allocating block: %w", unix.ENOSPC)
	}
	bn, ok := a.findFreeBit(uint64(sb.FreeBlockHint), fs.BlocksCount)
	if !ok || bn < fs.BitmapBlocks {
		logrus.WithFields(logrus.Fields{
			"hint": sb.FreeBlockHint,
			"free": sb.FreeBlocks,
		}).Error("no free blocks found")
		return 0, fmt.Errorf("allocating block from %d: %w",
			sb.FreeBlockHint, unix.ENOSPC)
	}

	util.DPrintf(5, "AllocNum: allocating blocknr %d\n", bn)
	fs.Update(func(sb *super.Superblock) {
		sb.FreeBlocks--
		if bn < fs.BlocksCount-1 {
			sb.FreeBlockHint = uint32(bn + 1)
		} else {
			sb.FreeBlockHint = uint32(fs.BitmapBlocks)
		}
	})
	a.setBit(bn, true)

	if zero {
		off := fs.BlockOff(bn)
		barrier.DoRaw(fs.R, fs.BlockAddr(off), func(b []byte) {
			for i := range b {
				b[i] = 0
			}
		})
	}
	return bn, nil
}

// FreeNum returns block bn to the free pool.
func (a *Alloc) FreeNum(bn common.Bnum) error {
	fs := a.fs
	if bn < fs.BitmapBlocks || bn >= fs.BlocksCount {
		return fmt.Errorf("freeing block %d outside [%d, %d): %w",
			bn, fs.BitmapBlocks, fs.BlocksCount, unix.EINVAL)
	}

	fs.Lock()
	defer fs.Unlock()
	if !a.IsUsed(bn) {
		logrus.WithField("blocknr", bn).Error("freeing a free block")
		return fmt.Errorf("freeing block %d: %w", bn, unix.EIO)
	}
	util.DPrintf(5, "FreeNum: freeing blocknr %d\n", bn)
	a.setBit(bn, false)
	fs.Update(func(sb *super.Superblock) {
		if bn < uint64(sb.FreeBlockHint) {
			sb.FreeBlockHint = uint32(bn)
		}
		sb.FreeBlocks++
	})
	return nil
}

// NumFree is the cached free block counter.
func (a *Alloc) NumFree() uint64 {
	free, _ := a.fs.Counts()
	return free
}

func popCnt(b byte) uint64 {
	var n uint64
	for b != 0 {
		n += uint64(b & 1)
		b = b >> 1
	}
	return n
}

// NumUsed counts set bits in the bitmap, for consistency checks.
func (a *Alloc) NumUsed() uint64 {
	bm := a.bitmap()
	var n uint64
	full := a.fs.BlocksCount / 8
	for _, b := range bm.Data[:full] {
		n += popCnt(b)
	}
	for bn := full * 8; bn < a.fs.BlocksCount; bn++ {
		if bm.Bit(bn) {
			n++
		}
	}
	return n
}
