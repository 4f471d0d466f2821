// Package image copies a region to and from a block device image.
//
// Block 0 of an image is a header recording the number of region bytes that
// follow; the region itself starts at block 1, padded with zeros to a whole
// block.
package image

import (
	"fmt"
	"os"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/barrier"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/region"
	"github.com/mit-pdos/go-pramfs/util"
)

const MAGIC uint64 = 0x474d4950_4d415250 // "PRAMPIMG"

// Blocks is the image size in blocks for a region of size bytes.
func Blocks(size uint64) uint64 {
	return 1 + util.RoundUp(size, disk.BlockSize)
}

// Open opens (creating if needed) a file-backed image for a region of size
// bytes.
func Open(path string, size uint64) (disk.Disk, error) {
	d, err := disk.NewFileDisk(path, Blocks(size))
	if err != nil {
		return nil, fmt.Errorf("opening image %s: %w", path, err)
	}
	return d, nil
}

// OpenExisting opens a saved image at its current length.
func OpenExisting(path string) (disk.Disk, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	n := uint64(st.Size())
	if n < disk.BlockSize || n%disk.BlockSize != 0 {
		return nil, fmt.Errorf("image %s of %d bytes: %w", path, n, common.ErrCorrupt)
	}
	d, err := disk.NewFileDisk(path, n/disk.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("opening image %s: %w", path, err)
	}
	return d, nil
}

func encodeHeader(size uint64) disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(MAGIC)
	enc.PutInt(size)
	return enc.Finish()
}

// Size reads the region size recorded in d's header.
func Size(d disk.Disk) (uint64, error) {
	dec := marshal.NewDec(d.Read(0))
	if magic := dec.GetInt(); magic != MAGIC {
		return 0, fmt.Errorf("image header magic %#x: %w", magic, common.ErrCorrupt)
	}
	return dec.GetInt(), nil
}

// Save writes the contents of r to d and waits for them to be durable.
func Save(r region.Region, d disk.Disk) {
	src := r.Bytes()
	size := uint64(len(src))
	d.Write(0, encodeHeader(size))
	for off := uint64(0); off < size; off += disk.BlockSize {
		blk := make(disk.Block, disk.BlockSize)
		copy(blk, src[off:])
		d.Write(1+off/disk.BlockSize, blk)
	}
	d.Barrier()
	util.DPrintf(1, "Save: %d bytes in %d blocks\n", size, Blocks(size))
}

// Load overwrites r with the image in d. r must be exactly as large as the
// saved region.
func Load(d disk.Disk, r region.Region) error {
	size, err := Size(d)
	if err != nil {
		return err
	}
	if size != r.Size() {
		return fmt.Errorf("image of %d bytes into a region of %d: %w",
			size, r.Size(), unix.EINVAL)
	}
	barrier.DoRaw(r, addr.MkAddr(0, size), func(dst []byte) {
		for off := uint64(0); off < size; off += disk.BlockSize {
			copy(dst[off:], d.Read(1+off/disk.BlockSize))
		}
	})
	if err := r.Sync(); err != nil {
		return fmt.Errorf("syncing restored region: %w", err)
	}
	util.DPrintf(1, "Load: %d bytes\n", size)
	return nil
}
