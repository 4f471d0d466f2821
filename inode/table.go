package inode

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/barrier"
	"github.com/mit-pdos/go-pramfs/checksum"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/super"
	"github.com/mit-pdos/go-pramfs/util"
)

// Table is the inode table: a fixed array of records directly after the two
// superblocks. Slot 0 is the root directory.
//
// Allocation scans forward from the superblock's inode hint and does not
// wrap; Free lowers the hint to the freed slot.
type Table struct {
	fs *super.FsSuper
}

func MkTable(fs *super.FsSuper) *Table {
	return &Table{fs: fs}
}

func (t *Table) record(ino common.Inum) []byte {
	return addr.MkInodeAddr(ino).Slice(t.fs.R.Bytes())
}

func (t *Table) checkIno(ino common.Inum) error {
	if !t.fs.ValidIno(ino) {
		return fmt.Errorf("inode %#x: %w", ino, unix.EINVAL)
	}
	return nil
}

// Load decodes the record of ino after verifying its checksum, free or not.
func (t *Table) Load(ino common.Inum) (*Inode, error) {
	if err := t.checkIno(ino); err != nil {
		return nil, err
	}
	b := t.record(ino)
	if !checksum.Verify(b) {
		return nil, &common.ChecksumError{
			What:  "inode",
			Off:   ino,
			Found: checksum.Stored(b),
			Want:  checksum.Compute(b),
		}
	}
	return Decode(b), nil
}

// Read returns the in-use inode ino. A deleted inode is ESTALE.
func (t *Table) Read(ino common.Inum) (*Inode, error) {
	ip, err := t.Load(ino)
	if err != nil {
		return nil, err
	}
	if ip.IsFree() {
		return nil, fmt.Errorf("inode %#x deleted: %w", ino, unix.ESTALE)
	}
	return ip, nil
}

// Write persists ip as inode ino.
func (t *Table) Write(ino common.Inum, ip *Inode) {
	if !t.fs.ValidIno(ino) {
		panic(fmt.Errorf("Write: bad inode %#x", ino))
	}
	util.DPrintf(10, "Write: inode %#x %+v\n", ino, ip)
	barrier.Do(t.fs.R, addr.MkInodeAddr(ino), func(b []byte) {
		ip.Encode(b)
	})
}

// MkRoot writes the root directory of a freshly formatted table. Every other
// slot is already zero, which makes it free.
func (t *Table) MkRoot(mode uint32, uid uint32, gid uint32) *Inode {
	now := t.fs.Now()
	ip := &Inode{
		Mode:  unix.S_IFDIR | mode&^unix.S_IFMT,
		UID:   uid,
		GID:   gid,
		Links: 2,
		Atime: now,
		Ctime: now,
		Mtime: now,
	}
	t.Write(common.ROOTINUM, ip)
	return ip
}

// Alloc claims the first free slot at or after the hint and initializes it
// with mode, owned by cred. A parent directory with the set-gid bit passes
// its group on, and the bit itself to new directories.
//
// ENOSPC means either that the free counter is zero, in which case nothing
// changes, or that no free slot lies between the hint and the end of the
// table although the counter says otherwise.
func (t *Table) Alloc(parent *Inode, mode uint32, cred common.Cred) (common.Inum, *Inode, error) {
	fs := t.fs
	fs.Lock()
	defer fs.Unlock()

	sb := fs.Read()
	if sb.FreeInodes == 0 {
		logrus.Error("no space left to create new inode")
		return common.NULLINUM, nil, fmt.Errorf("allocating inode: %w", unix.ENOSPC)
	}

	var i uint64
	for i = uint64(sb.FreeInodeHint); i < fs.InodesCount; i++ {
		if Decode(t.record(fs.Ino(i))).IsFree() {
			break
		}
	}
	if i >= fs.InodesCount {
		logrus.WithFields(logrus.Fields{
			"free": sb.FreeInodes,
			"hint": sb.FreeInodeHint,
		}).Error("free inodes counted but none found")
		return common.NULLINUM, nil, fmt.Errorf("allocating inode from %d: %w",
			sb.FreeInodeHint, unix.ENOSPC)
	}

	ino := fs.Ino(i)
	util.DPrintf(5, "Alloc: allocating inode %#x\n", ino)
	fs.Update(func(sb *super.Superblock) {
		sb.FreeInodes--
		if i < fs.InodesCount-1 {
			sb.FreeInodeHint = uint32(i + 1)
		} else {
			sb.FreeInodeHint = 1
		}
	})

	now := fs.Now()
	ip := &Inode{
		UID:   cred.UID,
		GID:   cred.GID,
		Links: 1,
		Atime: now,
		Ctime: now,
		Mtime: now,
	}
	if parent != nil && parent.Mode&unix.S_ISGID != 0 {
		ip.GID = parent.GID
		if mode&unix.S_IFMT == unix.S_IFDIR {
			mode |= unix.S_ISGID
		}
	}
	ip.Mode = mode
	if ip.IsDir() {
		ip.Links = 2
	}
	t.Write(ino, ip)
	return ino, ip, nil
}

// Free returns ino to the pool. The inode must already be unlinked and its
// blocks released; the root is never freed.
func (t *Table) Free(ino common.Inum) error {
	if err := t.checkIno(ino); err != nil {
		return err
	}
	if ino == common.ROOTINUM {
		return fmt.Errorf("freeing the root inode: %w", unix.EINVAL)
	}
	fs := t.fs
	fs.Lock()
	defer fs.Unlock()

	ip := Decode(t.record(ino))
	if ip.IsFree() {
		logrus.WithField("ino", ino).Error("freeing a free inode")
		return fmt.Errorf("freeing inode %#x: %w", ino, unix.EIO)
	}
	if ip.Links != 0 {
		return fmt.Errorf("freeing inode %#x with %d links: %w",
			ino, ip.Links, unix.EBUSY)
	}

	i := fs.Index(ino)
	util.DPrintf(5, "Free: freeing inode %#x\n", ino)
	ip.Dtime = fs.Now()
	ip.Data = 0
	t.Write(ino, ip)
	fs.Update(func(sb *super.Superblock) {
		if i < uint64(sb.FreeInodeHint) {
			sb.FreeInodeHint = uint32(i)
		}
		sb.FreeInodes++
		if uint64(sb.FreeInodes) == fs.InodesCount-1 {
			util.DPrintf(1, "Free: filesystem is empty\n")
			sb.FreeInodeHint = 1
		}
	})
	return nil
}

// NumFree is the cached free inode counter.
func (t *Table) NumFree() uint64 {
	_, free := t.fs.Counts()
	return free
}

// Scan walks every slot in order, reporting checksum failures on in-use
// inodes. It returns the number of free slots.
func (t *Table) Scan(f func(ino common.Inum, ip *Inode, err error)) uint64 {
	var nfree uint64
	for i := uint64(0); i < t.fs.InodesCount; i++ {
		ino := t.fs.Ino(i)
		b := t.record(ino)
		ip := Decode(b)
		if ip.IsFree() {
			nfree++
			continue
		}
		var err error
		if !checksum.Verify(b) {
			err = &common.ChecksumError{
				What:  "inode",
				Off:   ino,
				Found: checksum.Stored(b),
				Want:  checksum.Compute(b),
			}
		}
		f(ino, ip, err)
	}
	return nfree
}
