package inode

import (
	"github.com/tchajed/marshal"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/common"
)

// Inode is the decoded form of a 128-byte inode record.
//
// Data is the type-specific union: the region offset of the row index block
// for regular files and directories, or the device number (low 32 bits) for
// character and block devices.
type Inode struct {
	Mode   uint32
	UID    uint32
	GID    uint32
	Links  uint32
	Size   uint64
	Blocks uint32 // data blocks, index blocks not included
	Atime  uint32
	Ctime  uint32
	Mtime  uint32
	Dtime  uint32
	Data   uint64
}

// Encode writes ip into the first INODESZ-SUMSZ bytes of b.
func (ip *Inode) Encode(b []byte) {
	enc := marshal.NewEnc(common.INODESZ - common.SUMSZ)
	enc.PutInt32(ip.Mode)
	enc.PutInt32(ip.UID)
	enc.PutInt32(ip.GID)
	enc.PutInt32(ip.Links)
	enc.PutInt(ip.Size)
	enc.PutInt32(ip.Blocks)
	enc.PutInt32(ip.Atime)
	enc.PutInt32(ip.Ctime)
	enc.PutInt32(ip.Mtime)
	enc.PutInt32(ip.Dtime)
	enc.PutInt32(0)
	enc.PutInt(ip.Data)
	copy(b[:common.INODESZ-common.SUMSZ], enc.Finish())
}

func Decode(b []byte) *Inode {
	dec := marshal.NewDec(b[:common.INODESZ-common.SUMSZ])
	ip := &Inode{}
	ip.Mode = dec.GetInt32()
	ip.UID = dec.GetInt32()
	ip.GID = dec.GetInt32()
	ip.Links = dec.GetInt32()
	ip.Size = dec.GetInt()
	ip.Blocks = dec.GetInt32()
	ip.Atime = dec.GetInt32()
	ip.Ctime = dec.GetInt32()
	ip.Mtime = dec.GetInt32()
	ip.Dtime = dec.GetInt32()
	dec.GetInt32()
	ip.Data = dec.GetInt()
	return ip
}

// IsFree reports whether the slot can be handed out again.
func (ip *Inode) IsFree() bool {
	return ip.Links == 0 && (ip.Mode == 0 || ip.Dtime != 0)
}

func (ip *Inode) IsDir() bool {
	return ip.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (ip *Inode) IsReg() bool {
	return ip.Mode&unix.S_IFMT == unix.S_IFREG
}

func (ip *Inode) IsDev() bool {
	f := ip.Mode & unix.S_IFMT
	return f == unix.S_IFCHR || f == unix.S_IFBLK
}

// HasBlocks reports whether the inode's union holds a block index.
func (ip *Inode) HasBlocks() bool {
	f := ip.Mode & unix.S_IFMT
	return f == unix.S_IFREG || f == unix.S_IFDIR || f == unix.S_IFLNK
}

func (ip *Inode) RowBlock() uint64 {
	return ip.Data
}

func (ip *Inode) SetRowBlock(off uint64) {
	ip.Data = off
}

func (ip *Inode) Rdev() uint32 {
	return uint32(ip.Data)
}

func (ip *Inode) SetRdev(dev uint32) {
	ip.Data = uint64(dev)
}
