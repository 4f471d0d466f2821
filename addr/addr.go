package addr

import (
	"fmt"

	"github.com/mit-pdos/go-pramfs/common"
)

// Addr identifies an object in the region.
//
// Off is the byte offset of the object from the region base and Sz its size
// in bytes. Superblocks, inodes, bitmap blocks, index blocks and data blocks
// are all named this way; nothing stores process pointers.
type Addr struct {
	Off uint64
	Sz  uint64
}

func MkAddr(off uint64, sz uint64) Addr {
	return Addr{Off: off, Sz: sz}
}

func MkSuperAddr(n uint64) Addr {
	return MkAddr(n*common.SBSIZE, common.SBSIZE)
}

func MkInodeAddr(ino common.Inum) Addr {
	return MkAddr(ino, common.INODESZ)
}

// MkBitAddr names the byte holding bit n of a bitmap that starts at start.
func MkBitAddr(start uint64, n uint64) Addr {
	return MkAddr(start+n/8, 1)
}

func (a Addr) End() uint64 {
	return a.Off + a.Sz
}

// Slice returns the bytes of a within the region contents b.
func (a Addr) Slice(b []byte) []byte {
	if a.End() > uint64(len(b)) || a.End() < a.Off {
		panic(fmt.Errorf("addr %v outside region of %d bytes", a, len(b)))
	}
	return b[a.Off:a.End():a.End()]
}

func (a Addr) String() string {
	return fmt.Sprintf("[%#x+%d]", a.Off, a.Sz)
}
