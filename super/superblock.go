package super

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/util"
)

// Superblock is the decoded form of the 128-byte on-region superblock.
// Both copies (primary at offset 0, redundant at SBSIZE) hold the same bytes.
type Superblock struct {
	Size           uint64 // bytes in the region
	BlockSize      uint32
	InodesCount    uint32
	InodeTableSize uint64 // bytes
	BitmapStart    uint64 // byte offset of the bitmap, which is block 0
	BitmapBlocks   uint32
	BlocksCount    uint32 // includes the bitmap blocks
	FreeBlocks     uint32
	FreeInodes     uint32
	FreeBlockHint  uint32 // bitmap index to start the next block search at
	FreeInodeHint  uint32 // inode table index to start the next inode search at
	Magic          uint32
	Mtime          uint32 // last mount (remount) time
	Wtime          uint32 // last superblock write
}

// Encode writes sb into b, which must hold at least SBSIZE bytes. The
// checksum field is left alone; closing the barrier window fills it in.
func (sb *Superblock) Encode(b []byte) {
	enc := marshal.NewEnc(common.SBSIZE - common.SUMSZ)
	enc.PutInt(sb.Size)
	enc.PutInt32(sb.BlockSize)
	enc.PutInt32(sb.InodesCount)
	enc.PutInt(sb.InodeTableSize)
	enc.PutInt(sb.BitmapStart)
	enc.PutInt32(sb.BitmapBlocks)
	enc.PutInt32(sb.BlocksCount)
	enc.PutInt32(sb.FreeBlocks)
	enc.PutInt32(sb.FreeInodes)
	enc.PutInt32(sb.FreeBlockHint)
	enc.PutInt32(sb.FreeInodeHint)
	enc.PutInt32(sb.Magic)
	enc.PutInt32(sb.Mtime)
	enc.PutInt32(sb.Wtime)
	copy(b[:common.SBSIZE-common.SUMSZ], enc.Finish())
}

func Decode(b []byte) *Superblock {
	dec := marshal.NewDec(b[:common.SBSIZE-common.SUMSZ])
	sb := &Superblock{}
	sb.Size = dec.GetInt()
	sb.BlockSize = dec.GetInt32()
	sb.InodesCount = dec.GetInt32()
	sb.InodeTableSize = dec.GetInt()
	sb.BitmapStart = dec.GetInt()
	sb.BitmapBlocks = dec.GetInt32()
	sb.BlocksCount = dec.GetInt32()
	sb.FreeBlocks = dec.GetInt32()
	sb.FreeInodes = dec.GetInt32()
	sb.FreeBlockHint = dec.GetInt32()
	sb.FreeInodeHint = dec.GetInt32()
	sb.Magic = dec.GetInt32()
	sb.Mtime = dec.GetInt32()
	sb.Wtime = dec.GetInt32()
	return sb
}

// Check validates the layout fields and the counter invariants. It does not
// look at the magic or the checksum.
func (sb *Superblock) Check() error {
	bs := uint64(sb.BlockSize)
	if !util.IsPow2(bs) || bs < common.MINBLOCKSIZE || bs > common.MAXBLOCKSIZE {
		return fmt.Errorf("block size %d: %w", bs, common.ErrCorrupt)
	}
	if sb.InodesCount == 0 ||
		sb.InodeTableSize != uint64(sb.InodesCount)<<common.INODEBITS {
		return fmt.Errorf("inode table %d x %d bytes: %w",
			sb.InodesCount, sb.InodeTableSize, common.ErrCorrupt)
	}
	if sb.BitmapStart != 2*common.SBSIZE+sb.InodeTableSize ||
		sb.BitmapStart&(bs-1) != 0 {
		return fmt.Errorf("bitmap start %#x: %w", sb.BitmapStart, common.ErrCorrupt)
	}
	if sb.BlocksCount == 0 || sb.BitmapBlocks >= sb.BlocksCount ||
		sb.BitmapStart+uint64(sb.BlocksCount)*bs > sb.Size {
		return fmt.Errorf("%d blocks (%d bitmap) in %d bytes: %w",
			sb.BlocksCount, sb.BitmapBlocks, sb.Size, common.ErrCorrupt)
	}
	if uint64(sb.BitmapBlocks)*bs*8 < uint64(sb.BlocksCount) {
		return fmt.Errorf("bitmap of %d blocks too small: %w",
			sb.BitmapBlocks, common.ErrCorrupt)
	}
	if sb.FreeBlocks > sb.BlocksCount-sb.BitmapBlocks {
		return fmt.Errorf("free blocks %d > %d: %w",
			sb.FreeBlocks, sb.BlocksCount-sb.BitmapBlocks, common.ErrCorrupt)
	}
	if sb.FreeInodes > sb.InodesCount {
		return fmt.Errorf("free inodes %d > %d: %w",
			sb.FreeInodes, sb.InodesCount, common.ErrCorrupt)
	}
	return nil
}
