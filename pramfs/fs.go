// Package pramfs mounts a filesystem kept in persistent memory.
//
// Everything lives in place in the region: two superblock copies, the inode
// table, the block bitmap and the data blocks. Mount either formats a fresh
// filesystem or validates (and if need be repairs) an existing one; the
// per-inode operations are reached through handles.
//
// A single mutex per mounted filesystem serializes structural changes
// (allocation, inode table, block index). The superblock has its own lock,
// always taken after the filesystem lock.
package pramfs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/alloc"
	"github.com/mit-pdos/go-pramfs/bmap"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/config"
	"github.com/mit-pdos/go-pramfs/image"
	"github.com/mit-pdos/go-pramfs/inode"
	"github.com/mit-pdos/go-pramfs/lockmap"
	"github.com/mit-pdos/go-pramfs/region"
	"github.com/mit-pdos/go-pramfs/super"
	"github.com/mit-pdos/go-pramfs/util"
)

type FS struct {
	mu     *sync.Mutex
	opts   config.Options
	sb     *super.FsSuper
	alloc  *alloc.Alloc
	tbl    *inode.Table
	bmap   *bmap.Map
	owners *lockmap.LockMap

	readonly bool
	mounted  bool
	nopen    uint64
}

func mkFS(sb *super.FsSuper, opts config.Options) *FS {
	a := alloc.MkAlloc(sb)
	tbl := inode.MkTable(sb)
	return &FS{
		mu:       new(sync.Mutex),
		opts:     opts,
		sb:       sb,
		alloc:    a,
		tbl:      tbl,
		bmap:     bmap.MkMap(sb, a, tbl),
		owners:   lockmap.MkLockMap(),
		readonly: opts.ReadOnly,
		mounted:  true,
	}
}

// Mount formats a new filesystem when opts.InitSize is set, and otherwise
// mounts the one found at opts.PhysAddr.
func Mount(m region.Mapper, opts config.Options) (*FS, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.InitSize != 0 {
		return format(m, opts)
	}

	util.DPrintf(1, "checking physical address %#016x for pramfs image\n", opts.PhysAddr)
	// only the superblocks are needed until the size is known
	boot, err := m.Map(opts.PhysAddr, common.PAGESIZE)
	if err != nil {
		return nil, fmt.Errorf("mapping bootstrap page: %w", err)
	}
	_, g, err := super.Load(boot)
	boot.Close()
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"size":      g.Size,
		"blocksize": g.BlockSize,
	}).Info("found pramfs image")

	r, err := m.Map(opts.PhysAddr, g.Size)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes: %w", g.Size, err)
	}
	fs := mkFS(super.MkFsSuper(r, g), opts)
	if err := fs.checkRoot(); err != nil {
		logrus.WithError(err).Error("root inode is not sane")
		r.Close()
		return nil, err
	}
	return fs, nil
}

func format(m region.Mapper, opts config.Options) (*FS, error) {
	g, err := super.MkGeometry(super.Params{
		Size:          uint64(opts.InitSize),
		BlockSize:     uint64(opts.BlockSize),
		BytesPerInode: opts.BytesPerInode,
		NumInodes:     opts.NumInodes,
	})
	if err != nil {
		return nil, err
	}
	r, err := m.Map(opts.PhysAddr, g.Size)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes: %w", g.Size, err)
	}
	fs := mkFS(super.Format(r, g, super.Seconds), opts)
	fs.alloc.Init()
	fs.tbl.MkRoot(uint32(opts.Mode), opts.UID, opts.GID)
	if err := r.Sync(); err != nil {
		r.Close()
		return nil, err
	}
	return fs, nil
}

func (fs *FS) checkRoot() error {
	root, err := fs.tbl.Read(common.ROOTINUM)
	if errors.Is(err, unix.ESTALE) {
		return fmt.Errorf("root inode deleted: %w", common.ErrCorrupt)
	}
	if err != nil {
		return fmt.Errorf("root inode: %w", err)
	}
	if !root.IsDir() {
		return fmt.Errorf("root inode mode %#o is not a directory: %w",
			root.Mode, common.ErrCorrupt)
	}
	return nil
}

// Super exposes the mounted layout.
func (fs *FS) Super() *super.FsSuper {
	return fs.sb
}

// Options returns the options the filesystem was mounted with; String on
// the result gives the mount option string.
func (fs *FS) Options() config.Options {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	o := fs.opts
	o.ReadOnly = fs.readonly
	return o
}

func (fs *FS) ReadOnly() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readonly
}

// writable fails mutations of a read-only or unmounted filesystem. Caller
// holds fs.mu.
func (fs *FS) writable() error {
	if !fs.mounted {
		return fmt.Errorf("filesystem unmounted: %w", unix.EINVAL)
	}
	if fs.readonly {
		return fmt.Errorf("read-only filesystem: %w", unix.EROFS)
	}
	return nil
}

// Remount switches between read-only and read-write. Becoming writable
// records a new mount time.
func (fs *FS) Remount(readonly bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return fmt.Errorf("remount of an unmounted filesystem: %w", unix.EINVAL)
	}
	if fs.readonly && !readonly {
		fs.sb.Touch()
	}
	fs.readonly = readonly
	util.DPrintf(1, "Remount: readonly %v\n", readonly)
	return nil
}

// Unmount flushes and unmaps the region. It fails with EBUSY while handles
// are open; unmounting again is a no-op.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil
	}
	if fs.nopen != 0 {
		return fmt.Errorf("%d open handles: %w", fs.nopen, unix.EBUSY)
	}
	if err := fs.sb.R.Sync(); err != nil {
		return err
	}
	fs.mounted = false
	return fs.sb.R.Close()
}

// Sync makes every store to the region durable.
func (fs *FS) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return fmt.Errorf("filesystem unmounted: %w", unix.EINVAL)
	}
	return fs.sb.R.Sync()
}

type Statfs struct {
	Type      uint32
	BlockSize uint64
	Blocks    uint64
	Free      uint64
	Avail     uint64
	Files     uint64
	FreeFiles uint64
}

// Statfs reports the superblock counters, EINVAL once unmounted.
func (fs *FS) Statfs() (Statfs, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return Statfs{}, fmt.Errorf("filesystem unmounted: %w", unix.EINVAL)
	}
	freeBlocks, freeInodes := fs.sb.Counts()
	return Statfs{
		Type:      common.MAGIC,
		BlockSize: fs.sb.BlockSize,
		Blocks:    fs.sb.BlocksCount,
		Free:      freeBlocks,
		Avail:     freeBlocks,
		Files:     fs.sb.InodesCount,
		FreeFiles: freeInodes,
	}, nil
}

// Snapshot copies the whole region into d.
func (fs *FS) Snapshot(d disk.Disk) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return fmt.Errorf("snapshot of an unmounted filesystem: %w", unix.EINVAL)
	}
	if err := fs.sb.R.Sync(); err != nil {
		return err
	}
	image.Save(fs.sb.R, d)
	return nil
}

// Restore writes the image in d to the unmounted range at phys.
func Restore(m region.Mapper, phys uint64, d disk.Disk) error {
	size, err := image.Size(d)
	if err != nil {
		return err
	}
	r, err := m.Map(phys, size)
	if err != nil {
		return err
	}
	defer r.Close()
	return image.Load(d, r)
}
