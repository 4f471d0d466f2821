package pramfs

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/inode"
)

// Report is the result of a consistency check.
type Report struct {
	FreeBlocks  uint64 // superblock counter
	UsedBlocks  uint64 // bits set in the bitmap
	FreeInodes  uint64 // superblock counter
	EmptyInodes uint64 // free slots in the table
	BadInodes   []common.Inum
	Problems    []string
}

func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

func (r *Report) problem(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	logrus.Warn(msg)
	r.Problems = append(r.Problems, msg)
}

// Check verifies the filesystem without changing it: the superblock
// mirror, the free counters against the bitmap and inode table, inode
// checksums, and that every block reachable from an inode is marked in use
// exactly once and nothing else is.
func (fs *FS) Check() *Report {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rep := &Report{}
	if !fs.mounted {
		rep.problem("filesystem is not mounted")
		return rep
	}
	sb := fs.sb

	data := sb.R.Bytes()
	if !bytes.Equal(addr.MkSuperAddr(0).Slice(data), addr.MkSuperAddr(1).Slice(data)) {
		rep.problem("redundant super block differs from the primary")
	}

	rep.FreeBlocks, rep.FreeInodes = sb.Counts()
	rep.UsedBlocks = fs.alloc.NumUsed()
	if rep.FreeBlocks != sb.BlocksCount-rep.UsedBlocks {
		rep.problem("free block count %d, bitmap has %d of %d in use",
			rep.FreeBlocks, rep.UsedBlocks, sb.BlocksCount)
	}
	for bn := uint64(0); bn < sb.BitmapBlocks; bn++ {
		if !fs.alloc.IsUsed(bn) {
			rep.problem("bitmap block %d marked free", bn)
		}
	}

	refs := make(map[common.Bnum]common.Inum)
	rep.EmptyInodes = fs.tbl.Scan(func(ino common.Inum, ip *inode.Inode, err error) {
		if err != nil {
			rep.BadInodes = append(rep.BadInodes, ino)
			rep.problem("%v", err)
			return
		}
		if !ip.HasBlocks() {
			return
		}
		var ndata uint64
		werr := fs.bmap.Walk(ip, func(off uint64, index bool) {
			if !sb.ValidBlockOff(off) {
				rep.problem("inode %#x points outside the data area at %#x", ino, off)
				return
			}
			bn := sb.Blocknr(off)
			if other, ok := refs[bn]; ok {
				rep.problem("block %d in inode %#x already used by inode %#x",
					bn, ino, other)
			}
			refs[bn] = ino
			if !fs.alloc.IsUsed(bn) {
				rep.problem("block %d of inode %#x marked free", bn, ino)
			}
			if !index {
				ndata++
			}
		})
		if werr != nil {
			rep.problem("inode %#x: %v", ino, werr)
			return
		}
		if ndata != uint64(ip.Blocks) {
			rep.problem("inode %#x counts %d blocks, maps %d", ino, ip.Blocks, ndata)
		}
	})
	if rep.EmptyInodes != rep.FreeInodes {
		rep.problem("free inode count %d, table has %d free", rep.FreeInodes, rep.EmptyInodes)
	}
	if inUse := uint64(len(refs)) + sb.BitmapBlocks; inUse != rep.UsedBlocks {
		rep.problem("%d blocks referenced, %d marked in use", inUse, rep.UsedBlocks)
	}
	return rep
}
