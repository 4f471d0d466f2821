// Package bmap maps file-relative block numbers to region offsets.
//
// Each file with blocks has a row block, pointed to by its inode, holding N
// pointers to column blocks; each column block holds N pointers to data
// blocks (N = block size / 8). Pointers are region offsets, zero meaning
// unallocated. Index blocks are created on first use and freed once nothing
// under them remains.
//
// Callers hold the filesystem-wide lock and own the inode.
package bmap

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/alloc"
	"github.com/mit-pdos/go-pramfs/barrier"
	"github.com/mit-pdos/go-pramfs/buf"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/inode"
	"github.com/mit-pdos/go-pramfs/super"
	"github.com/mit-pdos/go-pramfs/util"
)

type Map struct {
	fs    *super.FsSuper
	alloc *alloc.Alloc
	tbl   *inode.Table
}

func MkMap(fs *super.FsSuper, a *alloc.Alloc, tbl *inode.Table) *Map {
	return &Map{fs: fs, alloc: a, tbl: tbl}
}

// index returns the index block at off.
func (m *Map) index(off uint64) (*buf.Buf, error) {
	if !m.fs.ValidBlockOff(off) {
		logrus.WithField("off", fmt.Sprintf("%#x", off)).
			Error("index pointer outside the data area")
		return nil, fmt.Errorf("index block %#x: %w", off, unix.EIO)
	}
	return buf.MkBufLoad(m.fs.BlockAddr(off), m.fs.R.Bytes()), nil
}

// putPtr stores v as pointer i of the index block at off.
func (m *Map) putPtr(off uint64, i uint64, v uint64) {
	a := addr.MkAddr(off+i*common.PTRSZ, common.PTRSZ)
	barrier.DoRaw(m.fs.R, a, func(b []byte) {
		p := &buf.Buf{Addr: a, Data: b}
		p.BnumPut(0, v)
	})
}

func (m *Map) split(fb uint64) (uint64, uint64) {
	return fb >> m.fs.NPtrBits(), fb & (m.fs.NPtr() - 1)
}

// newBlock allocates a block and returns its offset.
func (m *Map) newBlock(zero bool) (uint64, error) {
	bn, err := m.alloc.AllocNum(zero)
	if err != nil {
		return 0, err
	}
	return m.fs.BlockOff(bn), nil
}

func (m *Map) freeBlock(off uint64) error {
	return m.alloc.FreeNum(m.fs.Blocknr(off))
}

// Find returns the offset of file block fb, or false for a hole. An index
// pointer that does not name a data block is reported as EIO.
func (m *Map) Find(ip *inode.Inode, fb uint64) (uint64, bool, error) {
	if fb >= m.fs.MaxFileBlocks() || ip.RowBlock() == 0 {
		return 0, false, nil
	}
	r, c := m.split(fb)
	row, err := m.index(ip.RowBlock())
	if err != nil {
		return 0, false, err
	}
	colOff := row.BnumGet(r)
	if colOff == 0 {
		return 0, false, nil
	}
	col, err := m.index(colOff)
	if err != nil {
		return 0, false, err
	}
	off := col.BnumGet(c)
	return off, off != 0, nil
}

// Alloc maps num blocks starting at fb, along with any unmapped blocks
// between the inode's block count and fb. New data blocks are zeroed except
// the last one of the range, which the caller is about to fill.
//
// Running out of space part way leaves what was allocated in place; the file
// is then sparse but consistent.
func (m *Map) Alloc(ino common.Inum, ip *inode.Inode, fb uint64, num uint64) error {
	if num == 0 {
		return nil
	}
	if util.SumOverflows(fb, num) || fb+num > m.fs.MaxFileBlocks() {
		return fmt.Errorf("blocks [%d, +%d) past the index limit %d: %w",
			fb, num, m.fs.MaxFileBlocks(), unix.EFBIG)
	}

	if ip.RowBlock() == 0 {
		off, err := m.newBlock(true)
		if err != nil {
			logrus.WithError(err).Error("failed to alloc row block")
			return err
		}
		ip.SetRowBlock(off)
		m.tbl.Write(ino, ip)
	}
	row, err := m.index(ip.RowBlock())
	if err != nil {
		return err
	}

	first := util.Min(fb, uint64(ip.Blocks))
	last := fb + num - 1
	firstRow, firstCol := m.split(first)
	lastRow, lastCol := m.split(last)
	util.DPrintf(5, "Alloc: inode %#x blocks [%d, %d]\n", ino, first, last)

	for i := firstRow; i <= lastRow; i++ {
		colOff := row.BnumGet(i)
		if colOff == 0 {
			colOff, err = m.newBlock(true)
			if err != nil {
				logrus.WithError(err).Error("failed to alloc column block")
				return err
			}
			m.putPtr(row.Addr.Off, i, colOff)
		}
		col, err := m.index(colOff)
		if err != nil {
			return err
		}

		jstart := uint64(0)
		if i == firstRow {
			jstart = firstCol
		}
		jend := m.fs.NPtr() - 1
		if i == lastRow {
			jend = lastCol
		}
		for j := jstart; j <= jend; j++ {
			if col.BnumGet(j) != 0 {
				continue
			}
			isLast := i == lastRow && j == lastCol
			off, err := m.newBlock(!isLast)
			if err != nil {
				logrus.WithError(err).Error("failed to alloc data block")
				return err
			}
			ip.Blocks++
			m.tbl.Write(ino, ip)
			m.putPtr(colOff, j, off)
		}
	}
	return nil
}

// Truncate frees every data block at or after first, then the column blocks
// and row block left empty.
func (m *Map) Truncate(ino common.Inum, ip *inode.Inode, first uint64) error {
	if ip.RowBlock() == 0 || first >= m.fs.MaxFileBlocks() {
		return nil
	}
	row, err := m.index(ip.RowBlock())
	if err != nil {
		return err
	}
	firstRow, firstCol := m.split(first)
	util.DPrintf(5, "Truncate: inode %#x from block %d\n", ino, first)

	for i := firstRow; i < m.fs.NPtr(); i++ {
		colOff := row.BnumGet(i)
		if colOff == 0 {
			continue
		}
		col, err := m.index(colOff)
		if err != nil {
			return err
		}
		jstart := uint64(0)
		if i == firstRow {
			jstart = firstCol
		}
		for j := jstart; j < m.fs.NPtr(); j++ {
			off := col.BnumGet(j)
			if off == 0 {
				continue
			}
			if !m.fs.ValidBlockOff(off) {
				return fmt.Errorf("data block %#x: %w", off, unix.EIO)
			}
			if err := m.freeBlock(off); err != nil {
				return err
			}
			m.putPtr(colOff, j, 0)
			ip.Blocks--
		}
		if col.IsEmpty(0) {
			if err := m.freeBlock(colOff); err != nil {
				return err
			}
			m.putPtr(row.Addr.Off, i, 0)
		}
	}

	if row.IsEmpty(0) {
		if err := m.freeBlock(row.Addr.Off); err != nil {
			return err
		}
		ip.SetRowBlock(0)
	}
	m.tbl.Write(ino, ip)
	return nil
}

// Walk calls f with the offset of every index and data block of the file.
func (m *Map) Walk(ip *inode.Inode, f func(off uint64, index bool)) error {
	if ip.RowBlock() == 0 {
		return nil
	}
	row, err := m.index(ip.RowBlock())
	if err != nil {
		return err
	}
	f(row.Addr.Off, true)
	for i := uint64(0); i < m.fs.NPtr(); i++ {
		colOff := row.BnumGet(i)
		if colOff == 0 {
			continue
		}
		col, err := m.index(colOff)
		if err != nil {
			return err
		}
		f(colOff, true)
		for j := uint64(0); j < m.fs.NPtr(); j++ {
			if off := col.BnumGet(j); off != 0 {
				f(off, false)
			}
		}
	}
	return nil
}
