package pramfs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/buf"
	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/region"
)

func create(t *testing.T, fs *FS, mode uint32) *Handle {
	h, err := fs.Create(nil, mode, common.Cred{UID: 1000, GID: 1000})
	require.NoError(t, err)
	return h
}

func find(t *testing.T, h *Handle, fb uint64) (uint64, bool) {
	off, ok, err := h.Find(fb)
	require.NoError(t, err)
	return off, ok
}

// putPtr overwrites pointer i of the index block at off behind the
// filesystem's back.
func putPtr(bank *region.MemBank, off uint64, i uint64, v uint64) {
	buf.MkBufLoad(addr.MkAddr(off, 4096), bank.Mem()).BnumPut(i, v)
}

func TestCreate(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	f := create(t, fs, unix.S_IFREG|0644)
	d := create(t, fs, unix.S_IFDIR|0755)
	defer f.Put()
	defer d.Put()

	assert.Equal(common.ROOTINUM+common.INODESZ, f.Ino, "first slot after the root")
	assert.Equal(f.Ino+common.INODESZ, d.Ino)
	assert.Equal(uint32(1), f.Inode().Links)
	assert.Equal(uint32(2), d.Inode().Links)
	assert.Equal(uint32(1000), f.Inode().UID)
	assert.Equal(uint64(411), statfs(t, fs).FreeFiles)

	_, err := fs.Create(nil, unix.S_IFCHR|0600, common.Cred{})
	assert.True(errors.Is(err, unix.EINVAL))
	_, err = fs.Mknod(nil, unix.S_IFREG|0600, 0, common.Cred{})
	assert.True(errors.Is(err, unix.EINVAL))
}

func TestSetgid(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	dir := create(t, fs, unix.S_IFDIR|unix.S_ISGID|0775)
	defer dir.Put()
	require.NoError(t, dir.SetAttr(Attr{Valid: AttrGID, GID: 50}))

	f, err := fs.Create(dir, unix.S_IFREG|0644, common.Cred{UID: 1, GID: 2})
	require.NoError(t, err)
	defer f.Put()
	assert.Equal(uint32(50), f.Inode().GID)
	assert.Zero(f.Inode().Mode & unix.S_ISGID)

	sub, err := fs.Create(dir, unix.S_IFDIR|0755, common.Cred{UID: 1, GID: 2})
	require.NoError(t, err)
	defer sub.Put()
	assert.Equal(uint32(50), sub.Inode().GID)
	assert.NotZero(sub.Inode().Mode & unix.S_ISGID)
}

func TestMknod(t *testing.T) {
	assert := assert.New(t)
	bank := mkBank()
	fs := mkfs(t, bank)
	h, err := fs.Mknod(nil, unix.S_IFCHR|0600, 0x0501, common.Cred{})
	require.NoError(t, err)
	ino := h.Ino
	ip := h.Inode()
	assert.Equal(uint32(0x0501), ip.Rdev())
	assert.True(errors.Is(h.AllocBlocks(0, 1), unix.EINVAL))
	_, _, err = h.MapBlock(0, true)
	assert.True(errors.Is(err, unix.EINVAL))
	_, _, err = h.MapBlock(0, false)
	assert.True(errors.Is(err, unix.EINVAL), "rdev is not a block pointer: %v", err)
	_, _, err = h.Find(0)
	assert.True(errors.Is(err, unix.EINVAL), "%v", err)
	h.Put()
	require.NoError(t, fs.Unmount())

	fs2 := mount(t, bank, "")
	h, err = fs2.Get(ino)
	require.NoError(t, err)
	defer h.Put()
	ip = h.Inode()
	assert.True(ip.IsDev())
	assert.Equal(uint32(0x0501), ip.Rdev())
}

func TestSetAttr(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	fs.Super().Now = func() uint32 { return 100 }
	h := create(t, fs, unix.S_IFREG|0644)
	defer h.Put()

	fs.Super().Now = func() uint32 { return 200 }
	require.NoError(t, h.SetAttr(Attr{
		Valid: AttrMode | AttrUID | AttrAtime,
		Mode:  unix.S_IFDIR | 0600,
		UID:   7,
		Atime: 42,
	}))
	ip := h.Inode()
	assert.Equal(uint32(unix.S_IFREG|0600), ip.Mode, "file type kept")
	assert.Equal(uint32(7), ip.UID)
	assert.Equal(uint32(1000), ip.GID)
	assert.Equal(uint32(42), ip.Atime)
	assert.Equal(uint32(100), ip.Mtime)
	assert.Equal(uint32(200), ip.Ctime)

	ino := h.Ino
	h.Put()
	h, err := fs.Get(ino)
	require.NoError(t, err)
	defer h.Put()
	assert.Equal(ip, h.Inode(), "attributes persisted")
}

func TestGetExclusive(t *testing.T) {
	fs := mkfs(t, mkBank())
	h, err := fs.Root()
	require.NoError(t, err)
	assert.True(t, fs.owners.Held(common.ROOTINUM))

	got := make(chan *Handle)
	go func() {
		h2, err := fs.Root()
		if err != nil {
			panic(err)
		}
		got <- h2
	}()
	select {
	case <-got:
		t.Fatal("second Get did not wait for Put")
	case <-time.After(10 * time.Millisecond):
	}
	h.Put()
	h.Put()
	h2 := <-got
	h2.Put()
	assert.False(t, fs.owners.Held(common.ROOTINUM))
	assert.Panics(t, func() { h2.Inode() }, "use after Put")
}

func TestCreateWaitsForGet(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	next := common.ROOTINUM + common.INODESZ
	free := statfs(t, fs).FreeFiles

	// a Get of the slot Create is about to hand out
	fs.owners.Acquire(next)
	got := make(chan *Handle)
	go func() {
		h, err := fs.Create(nil, unix.S_IFREG|0644, common.Cred{})
		if err != nil {
			panic(err)
		}
		got <- h
	}()
	assert.Eventually(func() bool {
		st, err := fs.Statfs()
		return err == nil && st.FreeFiles == free-1
	}, time.Second, time.Millisecond)
	assert.True(errors.Is(fs.Unmount(), unix.EBUSY), "create in progress")

	fs.owners.Release(next)
	h := <-got
	assert.Equal(next, h.Ino)
	assert.Equal(uint32(1), h.Inode().Links)
	h.Put()
	assert.NoError(fs.Unmount())
}

func TestGetInvalid(t *testing.T) {
	fs := mkfs(t, mkBank())
	_, err := fs.Get(common.ROOTINUM + common.INODESZ)
	assert.True(t, errors.Is(err, unix.ESTALE), "free slot: %v", err)
	_, err = fs.Get(common.ROOTINUM + 1)
	assert.True(t, errors.Is(err, unix.EINVAL), "misaligned: %v", err)
	assert.False(t, fs.owners.Held(common.ROOTINUM+common.INODESZ))
	assert.NoError(t, fs.Unmount())
}

func TestInodeExhaustion(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	var hs []*Handle
	for {
		h, err := fs.Create(nil, unix.S_IFREG|0644, common.Cred{})
		if err != nil {
			assert.True(errors.Is(err, unix.ENOSPC), "%v", err)
			break
		}
		hs = append(hs, h)
	}
	assert.Len(hs, 413)
	assert.Zero(statfs(t, fs).FreeFiles)
	_, err := fs.Create(nil, unix.S_IFDIR|0755, common.Cred{})
	assert.True(errors.Is(err, unix.ENOSPC))
	assert.Zero(statfs(t, fs).FreeFiles, "failed create changes nothing")

	// freeing one slot in the middle makes it the next one handed out
	mid := hs[100]
	require.NoError(t, mid.SetAttr(Attr{Valid: AttrLinks}))
	require.NoError(t, mid.Evict())
	h := create(t, fs, unix.S_IFREG|0644)
	assert.Equal(mid.Ino, h.Ino)
	h.Put()
	for i, h := range hs {
		if i != 100 {
			h.Put()
		}
	}
	assert.True(fs.Check().OK())
}

// TestTenBlocks allocates ten blocks one at a time in a fresh 1 MiB
// filesystem.
func TestTenBlocks(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	h := create(t, fs, unix.S_IFREG|0644)
	defer h.Put()

	free := statfs(t, fs).Free
	var prev uint64
	for fb := uint64(0); fb < 10; fb++ {
		off, isNew, err := h.MapBlock(fb, true)
		require.NoError(t, err)
		assert.True(isNew)
		assert.Greater(off, prev)
		prev = off
	}
	// plus one row block and one column block
	assert.Equal(free-12, statfs(t, fs).Free)
	assert.Equal(uint32(10), h.Inode().Blocks)
	assert.True(fs.Check().OK())
}

func TestMapBlock(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	h := create(t, fs, unix.S_IFREG|0644)
	defer h.Put()

	off, isNew, err := h.MapBlock(5, false)
	require.NoError(t, err)
	assert.Zero(off, "hole")
	assert.False(isNew)

	off, isNew, err = h.MapBlock(5, true)
	require.NoError(t, err)
	assert.True(isNew)
	assert.Equal(uint32(6), h.Inode().Blocks, "gap before block 5 filled")

	b := make([]byte, 4096)
	require.NoError(t, h.ReadBlock(off, b))
	assert.Equal(make([]byte, 4096), b, "new block is zeroed")

	require.NoError(t, h.UpdateBlock(off, func(b []byte) { copy(b, "hello") }))
	assert.False(fs.Super().R.Writable(off), "block protected again")
	require.NoError(t, h.ReadBlock(off, b[:5]))
	assert.Equal([]byte("hello"), b[:5])

	off2, isNew, err := h.MapBlock(5, true)
	require.NoError(t, err)
	assert.False(isNew)
	assert.Equal(off, off2)

	assert.True(errors.Is(h.UpdateBlock(off+1, func([]byte) {}), unix.EINVAL))
	assert.True(errors.Is(h.ReadBlock(fs.Super().BitmapStart, b), unix.EINVAL))
	free := fs.Super().BlockOff(fs.Super().BlocksCount - 1)
	assert.True(errors.Is(h.ReadBlock(free, b), unix.EINVAL), "unallocated block")
}

// TestAllocTruncate maps blocks 0-2, truncates to one block, and checks
// that the other two are back in the free pool.
func TestAllocTruncate(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	h := create(t, fs, unix.S_IFREG|0644)
	defer h.Put()

	free := statfs(t, fs).Free
	require.NoError(t, h.AllocBlocks(0, 3))
	assert.Equal(free-5, statfs(t, fs).Free)

	fs.Super().Now = func() uint32 { return 777 }
	require.NoError(t, h.Truncate(4096))
	_, ok := find(t, h, 0)
	assert.True(ok)
	for fb := uint64(1); fb < 3; fb++ {
		_, ok := find(t, h, fb)
		assert.False(ok, "block %d", fb)
	}
	ip := h.Inode()
	assert.Equal(uint64(4096), ip.Size)
	assert.Equal(uint32(1), ip.Blocks)
	assert.Equal(uint32(777), ip.Mtime)
	assert.Equal(free-3, statfs(t, fs).Free)
	assert.True(fs.Check().OK())

	require.NoError(t, h.Truncate(0))
	ip = h.Inode()
	assert.Zero(ip.RowBlock(), "index released")
	assert.Equal(free, statfs(t, fs).Free)

	err := h.Truncate(fs.Super().MaxFileBlocks()*4096 + 1)
	assert.True(errors.Is(err, unix.EFBIG), "%v", err)
}

func TestFindCorruptIndex(t *testing.T) {
	bank := mkBank()
	fs := mkfs(t, bank)
	h := create(t, fs, unix.S_IFREG|0644)
	defer h.Put()
	require.NoError(t, h.AllocBlocks(0, 2))

	// column pointer into the superblock
	ip := h.Inode()
	putPtr(bank, ip.RowBlock(), 0, 8)
	_, ok, err := h.Find(0)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, unix.EIO), "%v", err)
	_, _, err = h.MapBlock(0, false)
	assert.True(t, errors.Is(err, unix.EIO), "%v", err)
	_, _, err = h.MapBlock(1, true)
	assert.True(t, errors.Is(err, unix.EIO), "%v", err)
}

func TestTruncateKeepsPartialBlock(t *testing.T) {
	fs := mkfs(t, mkBank())
	h := create(t, fs, unix.S_IFREG|0644)
	defer h.Put()
	require.NoError(t, h.AllocBlocks(0, 3))
	require.NoError(t, h.Truncate(4097))
	assert.Equal(t, uint32(2), h.Inode().Blocks)
	assert.Equal(t, uint64(4097), h.Inode().Size)
}

func TestEvict(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	before := statfs(t, fs)
	h := create(t, fs, unix.S_IFREG|0644)
	ino := h.Ino
	require.NoError(t, h.AllocBlocks(0, 5))
	require.NoError(t, h.Truncate(5*4096))

	err := h.Evict()
	assert.True(errors.Is(err, unix.EBUSY), "still linked: %v", err)
	require.NoError(t, h.SetAttr(Attr{Valid: AttrLinks, Links: 0}))
	require.NoError(t, h.Evict())
	assert.Panics(func() { h.Inode() }, "evict puts the handle")

	assert.Equal(before, statfs(t, fs))
	_, err = fs.Get(ino)
	assert.True(errors.Is(err, unix.ESTALE), "%v", err)
	assert.True(fs.Check().OK())

	root, err := fs.Root()
	require.NoError(t, err)
	defer root.Put()
	require.NoError(t, root.SetAttr(Attr{Valid: AttrLinks}))
	assert.True(errors.Is(root.Evict(), unix.EINVAL))
}

func TestEvictCorruptIndex(t *testing.T) {
	assert := assert.New(t)
	bank := mkBank()
	fs := mkfs(t, bank)
	h := create(t, fs, unix.S_IFREG|0644)
	defer h.Put()
	require.NoError(t, h.AllocBlocks(0, 2))
	require.NoError(t, h.SetAttr(Attr{Valid: AttrLinks}))

	// block 0 is freed, then block 1 turns out to point nowhere
	ip := h.Inode()
	col := buf.MkBufLoad(addr.MkAddr(ip.RowBlock(), 4096), bank.Mem()).BnumGet(0)
	putPtr(bank, col, 1, 8)
	err := h.Evict()
	assert.True(errors.Is(err, unix.EIO), "%v", err)

	stored, err := fs.tbl.Load(h.Ino)
	require.NoError(t, err)
	assert.Equal(uint32(1), h.Inode().Blocks)
	assert.Equal(h.Inode(), *stored, "partial free recorded in the table")
}

func TestEvictDevice(t *testing.T) {
	fs := mkfs(t, mkBank())
	before := statfs(t, fs)
	h, err := fs.Mknod(nil, unix.S_IFIFO|0600, 0, common.Cred{})
	require.NoError(t, err)
	require.NoError(t, h.SetAttr(Attr{Valid: AttrLinks}))
	require.NoError(t, h.Evict())
	assert.Equal(t, before, statfs(t, fs))
	assert.True(t, fs.Check().OK())
}

func TestOutOfSpace(t *testing.T) {
	assert := assert.New(t)
	fs := mkfs(t, mkBank())
	h := create(t, fs, unix.S_IFREG|0644)
	defer h.Put()

	// 242 free: one row block, one column block (512 pointers each) and
	// 240 data blocks
	err := h.AllocBlocks(0, 241)
	assert.True(errors.Is(err, unix.ENOSPC), "%v", err)
	assert.Zero(statfs(t, fs).Free)
	assert.Equal(uint32(240), h.Inode().Blocks, "blocks allocated so far are kept")
	assert.True(fs.Check().OK())

	require.NoError(t, h.Truncate(0))
	assert.Equal(uint64(242), statfs(t, fs).Free)
}
