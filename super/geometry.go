package super

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/util"
)

// Params are the formatting inputs. Zero fields take defaults.
type Params struct {
	Size          uint64
	BlockSize     uint64
	BytesPerInode uint64
	NumInodes     uint64
}

// Geometry is the immutable part of a filesystem's layout.
type Geometry struct {
	Size           uint64
	BlockSize      uint64
	BlockBits      uint64
	InodesCount    uint64
	InodeTableSize uint64
	BitmapStart    uint64
	BitmapBlocks   uint64
	BlocksCount    uint64
}

// MkGeometry lays out a fresh filesystem of p.Size bytes.
//
// The inode table is grown so that it ends (and the bitmap starts) on a block
// boundary; the bitmap covers every block from BitmapStart to the end of the
// region, its own blocks included, rounded up to whole blocks.
func MkGeometry(p Params) (Geometry, error) {
	bs := p.BlockSize
	if bs == 0 {
		bs = common.DEFBLOCKSIZE
	}
	if !util.IsPow2(bs) || bs < common.MINBLOCKSIZE || bs > common.MAXBLOCKSIZE {
		return Geometry{}, fmt.Errorf("block size %d not a power of two in [%d, %d]: %w",
			bs, common.MINBLOCKSIZE, common.MAXBLOCKSIZE, unix.EINVAL)
	}
	if p.Size < bs {
		return Geometry{}, fmt.Errorf("size %d smaller than block size %d: %w",
			p.Size, bs, unix.EINVAL)
	}

	bpi := p.BytesPerInode
	if bpi == 0 {
		bpi = common.DEFBPI
	}
	ninodes := p.NumInodes
	if ninodes == 0 {
		ninodes = p.Size / bpi
	}
	if ninodes == 0 || ninodes > math.MaxUint32 {
		return Geometry{}, fmt.Errorf("%d inodes: %w", ninodes, unix.EINVAL)
	}

	bitmapStart := util.AlignUp(2*common.SBSIZE+ninodes<<common.INODEBITS, bs)
	ninodes = (bitmapStart - 2*common.SBSIZE) >> common.INODEBITS
	if bitmapStart >= p.Size || ninodes > math.MaxUint32 {
		return Geometry{}, fmt.Errorf("inode table of %d inodes leaves no room in %d bytes: %w",
			ninodes, p.Size, unix.EINVAL)
	}

	bits := util.Log2(bs)
	nblocks := (p.Size - bitmapStart) >> bits
	if nblocks == 0 || nblocks > math.MaxUint32 {
		return Geometry{}, fmt.Errorf("%d data blocks: %w", nblocks, unix.EINVAL)
	}
	bitmapSize := util.AlignUp(util.RoundUp(nblocks, 8), bs)
	bitmapBlocks := bitmapSize >> bits
	if bitmapBlocks >= nblocks {
		return Geometry{}, fmt.Errorf("bitmap fills all %d blocks: %w",
			nblocks, unix.EINVAL)
	}

	return Geometry{
		Size:           p.Size,
		BlockSize:      bs,
		BlockBits:      bits,
		InodesCount:    ninodes,
		InodeTableSize: ninodes << common.INODEBITS,
		BitmapStart:    bitmapStart,
		BitmapBlocks:   bitmapBlocks,
		BlocksCount:    nblocks,
	}, nil
}

func geometryOf(sb *Superblock) Geometry {
	bs := uint64(sb.BlockSize)
	return Geometry{
		Size:           sb.Size,
		BlockSize:      bs,
		BlockBits:      util.Log2(bs),
		InodesCount:    uint64(sb.InodesCount),
		InodeTableSize: sb.InodeTableSize,
		BitmapStart:    sb.BitmapStart,
		BitmapBlocks:   uint64(sb.BitmapBlocks),
		BlocksCount:    uint64(sb.BlocksCount),
	}
}

// NPtr is the number of block pointers in an index block.
func (g Geometry) NPtr() uint64 {
	return g.BlockSize / common.PTRSZ
}

func (g Geometry) NPtrBits() uint64 {
	return g.BlockBits - common.PTRBITS
}

// MaxFileBlocks is the largest file the two-level index can map.
func (g Geometry) MaxFileBlocks() uint64 {
	return g.NPtr() * g.NPtr()
}
