package pramfs

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/barrier"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/inode"
	"github.com/mit-pdos/go-pramfs/util"
)

// A Handle is the in-memory owner of an inode. At most one handle per inode
// exists at a time; Get waits for the current one to be Put.
type Handle struct {
	fs  *FS
	Ino common.Inum
	ip  *inode.Inode
	put bool
}

func (fs *FS) open(ino common.Inum, ip *inode.Inode) *Handle {
	fs.nopen++
	return &Handle{fs: fs, Ino: ino, ip: ip}
}

// Get takes ownership of the in-use inode ino.
func (fs *FS) Get(ino common.Inum) (*Handle, error) {
	fs.owners.Acquire(ino)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		fs.owners.Release(ino)
		return nil, fmt.Errorf("filesystem unmounted: %w", unix.EINVAL)
	}
	ip, err := fs.tbl.Read(ino)
	if err != nil {
		fs.owners.Release(ino)
		return nil, err
	}
	return fs.open(ino, ip), nil
}

// Root is Get of the root directory.
func (fs *FS) Root() (*Handle, error) {
	return fs.Get(common.ROOTINUM)
}

func (fs *FS) newInode(parent *Handle, mode uint32, cred common.Cred, rdev uint32) (*Handle, error) {
	fs.mu.Lock()
	if err := fs.writable(); err != nil {
		fs.mu.Unlock()
		return nil, err
	}
	var pip *inode.Inode
	if parent != nil {
		parent.check()
		pip = parent.ip
	}
	ino, ip, err := fs.tbl.Alloc(pip, mode, cred)
	if err != nil {
		fs.mu.Unlock()
		return nil, err
	}
	if ip.IsDev() {
		ip.SetRdev(rdev)
		fs.tbl.Write(ino, ip)
	}
	if fs.owners.TryAcquire(ino) {
		h := fs.open(ino, ip)
		fs.mu.Unlock()
		return h, nil
	}

	// A Get of the same number got in first. Wait for it, counted as open
	// so the filesystem stays mounted meanwhile.
	fs.nopen++
	fs.mu.Unlock()
	fs.owners.Acquire(ino)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nopen--
	ip, err = fs.tbl.Read(ino)
	if err != nil {
		fs.owners.Release(ino)
		return nil, err
	}
	return fs.open(ino, ip), nil
}

// Create allocates a regular file, directory or symlink inode. The parent,
// if any, passes on its group when it is set-gid.
func (fs *FS) Create(parent *Handle, mode uint32, cred common.Cred) (*Handle, error) {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFDIR, unix.S_IFLNK:
	default:
		return nil, fmt.Errorf("create with mode %#o: %w", mode, unix.EINVAL)
	}
	return fs.newInode(parent, mode, cred, 0)
}

// Mknod allocates a device, fifo or socket inode. rdev is kept for
// character and block devices.
func (fs *FS) Mknod(parent *Handle, mode uint32, rdev uint32, cred common.Cred) (*Handle, error) {
	switch mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO, unix.S_IFSOCK:
	default:
		return nil, fmt.Errorf("mknod with mode %#o: %w", mode, unix.EINVAL)
	}
	return fs.newInode(parent, mode, cred, rdev)
}

func (h *Handle) check() {
	if h.put || !h.fs.owners.Held(h.Ino) {
		panic(fmt.Errorf("use of inode %#x after Put", h.Ino))
	}
}

// Put gives up ownership. Putting twice has no further effect.
func (h *Handle) Put() {
	if h.put {
		return
	}
	h.put = true
	h.fs.mu.Lock()
	h.fs.nopen--
	h.fs.mu.Unlock()
	h.fs.owners.Release(h.Ino)
}

// Inode returns a copy of the inode's current contents.
func (h *Handle) Inode() inode.Inode {
	h.check()
	return *h.ip
}

type AttrMask uint32

const (
	AttrMode AttrMask = 1 << iota
	AttrUID
	AttrGID
	AttrLinks
	AttrAtime
	AttrMtime
)

// Attr carries new attribute values; only those named in Valid are applied.
// Mode changes the permission bits only.
type Attr struct {
	Valid AttrMask
	Mode  uint32
	UID   uint32
	GID   uint32
	Links uint32
	Atime uint32
	Mtime uint32
}

// SetAttr updates inode attributes and stamps the change time.
func (h *Handle) SetAttr(attr Attr) error {
	h.check()
	fs := h.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writable(); err != nil {
		return err
	}
	ip := h.ip
	if attr.Valid&AttrMode != 0 {
		ip.Mode = ip.Mode&unix.S_IFMT | attr.Mode&^unix.S_IFMT
	}
	if attr.Valid&AttrUID != 0 {
		ip.UID = attr.UID
	}
	if attr.Valid&AttrGID != 0 {
		ip.GID = attr.GID
	}
	if attr.Valid&AttrLinks != 0 {
		ip.Links = attr.Links
	}
	if attr.Valid&AttrAtime != 0 {
		ip.Atime = attr.Atime
	}
	if attr.Valid&AttrMtime != 0 {
		ip.Mtime = attr.Mtime
	}
	ip.Ctime = fs.sb.Now()
	fs.tbl.Write(h.Ino, ip)
	return nil
}

func (h *Handle) hasBlocks() error {
	if !h.ip.HasBlocks() {
		return fmt.Errorf("inode %#x of mode %#o has no blocks: %w",
			h.Ino, h.ip.Mode, unix.EINVAL)
	}
	return nil
}

// Truncate sets the file size, freeing the blocks past it.
func (h *Handle) Truncate(size uint64) error {
	h.check()
	fs := h.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writable(); err != nil {
		return err
	}
	if err := h.hasBlocks(); err != nil {
		return err
	}
	first := util.RoundUp(size, fs.sb.BlockSize)
	if first > fs.sb.MaxFileBlocks() {
		return fmt.Errorf("size %d: %w", size, unix.EFBIG)
	}
	err := fs.bmap.Truncate(h.Ino, h.ip, first)
	now := fs.sb.Now()
	h.ip.Size = size
	h.ip.Mtime = now
	h.ip.Ctime = now
	fs.tbl.Write(h.Ino, h.ip)
	return err
}

// Find returns the offset of file block fb, or false for a hole.
func (h *Handle) Find(fb uint64) (uint64, bool, error) {
	h.check()
	if err := h.hasBlocks(); err != nil {
		return 0, false, err
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	return h.fs.bmap.Find(h.ip, fb)
}

// AllocBlocks maps num blocks from fb on, filling any gap before fb. All
// new blocks but the last are zeroed.
func (h *Handle) AllocBlocks(fb uint64, num uint64) error {
	h.check()
	fs := h.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writable(); err != nil {
		return err
	}
	if err := h.hasBlocks(); err != nil {
		return err
	}
	return fs.bmap.Alloc(h.Ino, h.ip, fb, num)
}

// MapBlock returns the offset of file block fb. If it is a hole and create
// is set, a zeroed block is allocated and isNew is true; if create is not
// set, a hole is reported as offset 0.
func (h *Handle) MapBlock(fb uint64, create bool) (off uint64, isNew bool, err error) {
	h.check()
	fs := h.fs
	if err := h.hasBlocks(); err != nil {
		return 0, false, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	off, ok, err := fs.bmap.Find(h.ip, fb)
	if err != nil || ok {
		return off, false, err
	}
	if !create {
		return 0, false, nil
	}
	if err := fs.writable(); err != nil {
		return 0, false, err
	}
	if err := fs.bmap.Alloc(h.Ino, h.ip, fb, 1); err != nil {
		return 0, false, err
	}
	off, ok, err = fs.bmap.Find(h.ip, fb)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, fmt.Errorf("block %d of inode %#x missing after alloc: %w",
			fb, h.Ino, unix.EIO)
	}
	barrier.DoRaw(fs.sb.R, fs.sb.BlockAddr(off), func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	})
	return off, true, nil
}

func (h *Handle) dataBlock(off uint64) (addr.Addr, error) {
	fs := h.fs
	if !fs.sb.ValidBlockOff(off) || !fs.alloc.IsUsed(fs.sb.Blocknr(off)) {
		return addr.Addr{}, fmt.Errorf("%#x is not an allocated block: %w",
			off, unix.EINVAL)
	}
	return fs.sb.BlockAddr(off), nil
}

// ReadBlock copies the block at off into dst.
func (h *Handle) ReadBlock(off uint64, dst []byte) error {
	h.check()
	a, err := h.dataBlock(off)
	if err != nil {
		return err
	}
	copy(dst, a.Slice(h.fs.sb.R.Bytes()))
	return nil
}

// UpdateBlock lets fn modify the data block at off, which must be allocated.
// The block is writable only while fn runs.
func (h *Handle) UpdateBlock(off uint64, fn func(b []byte)) error {
	h.check()
	h.fs.mu.Lock()
	err := h.fs.writable()
	h.fs.mu.Unlock()
	if err != nil {
		return err
	}
	a, err := h.dataBlock(off)
	if err != nil {
		return err
	}
	barrier.DoRaw(h.fs.sb.R, a, fn)
	return nil
}

// Evict deletes an unlinked inode: its blocks are freed, the inode returns
// to the free pool and the handle is put.
func (h *Handle) Evict() error {
	h.check()
	fs := h.fs
	if h.Ino == common.ROOTINUM {
		return fmt.Errorf("evicting the root inode: %w", unix.EINVAL)
	}
	fs.mu.Lock()
	if err := fs.writable(); err != nil {
		fs.mu.Unlock()
		return err
	}
	if h.ip.Links != 0 {
		fs.mu.Unlock()
		return fmt.Errorf("evicting inode %#x with %d links: %w",
			h.Ino, h.ip.Links, unix.EBUSY)
	}
	h.ip.Size = 0
	if h.ip.HasBlocks() {
		if err := fs.bmap.Truncate(h.Ino, h.ip, 0); err != nil {
			// keep what was freed so far accounted for
			fs.tbl.Write(h.Ino, h.ip)
			fs.mu.Unlock()
			return err
		}
	}
	fs.tbl.Write(h.Ino, h.ip)
	err := fs.tbl.Free(h.Ino)
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	h.Put()
	return nil
}
