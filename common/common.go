package common

import (
	"golang.org/x/sys/unix"
)

const (
	SBSIZE  uint64 = 128 // on-region superblock size
	INODESZ uint64 = 128 // on-region inode size

	INODEBITS uint64 = 7
	SUMSZ     uint64 = 4 // trailing checksum field of a record

	PTRSZ   uint64 = 8 // block pointers in index blocks
	PTRBITS uint64 = 3

	PAGESIZE uint64 = 4096

	MINBLOCKSIZE uint64 = 512
	MAXBLOCKSIZE uint64 = 65536
	DEFBLOCKSIZE uint64 = 2048

	// default bytes-per-inode ratio: 5% of the region is inode table
	DEFBPI uint64 = 20 * INODESZ

	MAGIC uint32 = 0xEFFA

	DEFMODE uint32 = 0777 | unix.S_ISVTX
)

// Inum is the byte offset of an inode record from the region base.
type Inum = uint64

// Bnum is a block number relative to the start of the bitmap.
type Bnum = uint64

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 2 * SBSIZE
	NULLBNUM Bnum = 0
)

// Cred is the identity of the caller creating an inode.
type Cred struct {
	UID uint32
	GID uint32
}
