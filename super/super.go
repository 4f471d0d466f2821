package super

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/barrier"
	"github.com/mit-pdos/go-pramfs/checksum"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/region"
	"github.com/mit-pdos/go-pramfs/util"
)

// FsSuper gives typed access to a mounted region: its geometry, the live
// superblock, and the conversions between block numbers, offsets and inode
// numbers.
type FsSuper struct {
	Geometry
	R    region.Region
	lock *sync.Mutex // superblock read-modify-write

	// Now supplies timestamps; tests replace it.
	Now func() uint32
}

func Seconds() uint32 {
	return uint32(time.Now().Unix())
}

func MkFsSuper(r region.Region, g Geometry) *FsSuper {
	if r.Size() < g.Size {
		panic(fmt.Errorf("MkFsSuper: region of %d bytes, filesystem of %d",
			r.Size(), g.Size))
	}
	return &FsSuper{
		Geometry: g,
		R:        r,
		lock:     new(sync.Mutex),
		Now:      Seconds,
	}
}

// Lock serializes superblock read-modify-write sequences. Counters can be
// read under it without taking the filesystem-wide lock.
func (fs *FsSuper) Lock() {
	fs.lock.Lock()
}

func (fs *FsSuper) Unlock() {
	fs.lock.Unlock()
}

// Read decodes the primary superblock.
func (fs *FsSuper) Read() *Superblock {
	return Decode(addr.MkSuperAddr(0).Slice(fs.R.Bytes()))
}

// Update applies f to the primary superblock inside a barrier window, stamps
// the write time, and copies the result over the redundant superblock.
// Caller holds fs.Lock.
func (fs *FsSuper) Update(f func(sb *Superblock)) {
	barrier.Do(fs.R, addr.MkSuperAddr(0), func(b []byte) {
		sb := Decode(b)
		f(sb)
		sb.Wtime = fs.Now()
		sb.Encode(b)
	})
	fs.syncRedundant()
}

func (fs *FsSuper) syncRedundant() {
	primary := addr.MkSuperAddr(0).Slice(fs.R.Bytes())
	barrier.Do(fs.R, addr.MkSuperAddr(1), func(b []byte) {
		copy(b, primary)
	})
}

// Touch records a mount time.
func (fs *FsSuper) Touch() {
	fs.Lock()
	defer fs.Unlock()
	fs.Update(func(sb *Superblock) {
		sb.Mtime = fs.Now()
	})
}

// Counts returns the free block and free inode counters.
func (fs *FsSuper) Counts() (uint64, uint64) {
	fs.Lock()
	defer fs.Unlock()
	sb := fs.Read()
	return uint64(sb.FreeBlocks), uint64(sb.FreeInodes)
}

// BlockOff is the region offset of block b.
func (fs *FsSuper) BlockOff(b common.Bnum) uint64 {
	return fs.BitmapStart + b<<fs.BlockBits
}

// Blocknr is the block number of the block at region offset off.
func (fs *FsSuper) Blocknr(off uint64) common.Bnum {
	if off < fs.BitmapStart || (off-fs.BitmapStart)&(fs.BlockSize-1) != 0 {
		panic(fmt.Errorf("Blocknr: %#x is not a block offset", off))
	}
	return (off - fs.BitmapStart) >> fs.BlockBits
}

// ValidBlockOff reports whether off names a data area block.
func (fs *FsSuper) ValidBlockOff(off uint64) bool {
	return off >= fs.BlockOff(fs.BitmapBlocks) &&
		off < fs.BlockOff(fs.BlocksCount) &&
		(off-fs.BitmapStart)&(fs.BlockSize-1) == 0
}

func (fs *FsSuper) BlockAddr(off uint64) addr.Addr {
	return addr.MkAddr(off, fs.BlockSize)
}

// Block returns the contents of the block at off, read-only by protocol.
func (fs *FsSuper) Block(off uint64) []byte {
	return fs.BlockAddr(off).Slice(fs.R.Bytes())
}

func (fs *FsSuper) BitmapAddr() addr.Addr {
	return addr.MkAddr(fs.BitmapStart, fs.BitmapBlocks<<fs.BlockBits)
}

// Ino is the inode number of inode table slot i.
func (fs *FsSuper) Ino(i uint64) common.Inum {
	return common.ROOTINUM + i<<common.INODEBITS
}

// Index is the inode table slot of ino.
func (fs *FsSuper) Index(ino common.Inum) uint64 {
	return (ino - common.ROOTINUM) >> common.INODEBITS
}

func (fs *FsSuper) ValidIno(ino common.Inum) bool {
	return ino >= common.ROOTINUM &&
		(ino-common.ROOTINUM)&(common.INODESZ-1) == 0 &&
		fs.Index(ino) < fs.InodesCount
}

// Format clears the superblocks and inode table of r and writes a fresh
// superblock for g. The bitmap and root inode are initialized by their
// owners.
func Format(r region.Region, g Geometry, now func() uint32) *FsSuper {
	fs := MkFsSuper(r, g)
	fs.Now = now
	logrus.WithFields(logrus.Fields{
		"size":      g.Size,
		"blocksize": g.BlockSize,
		"inodes":    g.InodesCount,
		"blocks":    g.BlocksCount,
	}).Info("creating an empty pramfs")
	util.DPrintf(1, "bitmap start %#x, bitmap blocks %d\n", g.BitmapStart, g.BitmapBlocks)

	fs.Lock()
	defer fs.Unlock()
	barrier.DoRaw(r, addr.MkAddr(0, g.BitmapStart), func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	})
	t := now()
	barrier.Do(r, addr.MkSuperAddr(0), func(b []byte) {
		sb := &Superblock{
			Size:           g.Size,
			BlockSize:      uint32(g.BlockSize),
			InodesCount:    uint32(g.InodesCount),
			InodeTableSize: g.InodeTableSize,
			BitmapStart:    g.BitmapStart,
			BitmapBlocks:   uint32(g.BitmapBlocks),
			BlocksCount:    uint32(g.BlocksCount),
			FreeBlocks:     uint32(g.BlocksCount - g.BitmapBlocks),
			FreeInodes:     uint32(g.InodesCount - 1),
			FreeBlockHint:  uint32(g.BitmapBlocks),
			FreeInodeHint:  1,
			Magic:          common.MAGIC,
			Mtime:          t,
			Wtime:          t,
		}
		sb.Encode(b)
	})
	fs.syncRedundant()
	return fs
}

// validate checks the superblock copy at a.
func validate(r region.Region, a addr.Addr) (*Superblock, error) {
	b := a.Slice(r.Bytes())
	sb := Decode(b)
	if sb.Magic != common.MAGIC {
		return nil, &common.BadMagicError{Off: a.Off, Found: sb.Magic}
	}
	if !checksum.Verify(b) {
		return nil, &common.ChecksumError{
			What:  "super block",
			Off:   a.Off,
			Found: checksum.Stored(b),
			Want:  checksum.Compute(b),
		}
	}
	if err := sb.Check(); err != nil {
		return nil, fmt.Errorf("super block at %#x: %w", a.Off, err)
	}
	return sb, nil
}

// Load finds a valid superblock in r, which needs to cover at least both
// superblock copies. A damaged primary is repaired from the redundant copy.
// If neither copy is valid Load fails with an error wrapping
// common.ErrCorrupt and r is left untouched.
func Load(r region.Region) (*Superblock, Geometry, error) {
	sb, perr := validate(r, addr.MkSuperAddr(0))
	if perr != nil {
		var rerr error
		sb, rerr = validate(r, addr.MkSuperAddr(1))
		if rerr != nil {
			logrus.WithError(perr).WithField("redundant", rerr).
				Error("can't find a valid pramfs partition")
			return nil, Geometry{}, fmt.Errorf("primary: %w; redundant: %v",
				perr, rerr)
		}
		logrus.WithError(perr).
			Warn("error in super block: repairing it with the redundant copy")
		redundant := addr.MkSuperAddr(1).Slice(r.Bytes())
		barrier.Do(r, addr.MkSuperAddr(0), func(b []byte) {
			copy(b, redundant)
		})
	}
	return sb, geometryOf(sb), nil
}
