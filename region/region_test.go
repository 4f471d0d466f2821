package region

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/common"
)

const base uint64 = 0x10000000

func TestMemBankMap(t *testing.T) {
	assert := assert.New(t)
	b := NewMemBank(base, 64*common.PAGESIZE)

	r, err := b.Map(base, 16*common.PAGESIZE)
	require.NoError(t, err)
	assert.Equal(16*common.PAGESIZE, r.Size())
	assert.Equal(base, r.Phys())

	_, err = b.Map(base+8*common.PAGESIZE, common.PAGESIZE)
	assert.True(errors.Is(err, unix.EBUSY), "overlapping map: %v", err)

	r2, err := b.Map(base+16*common.PAGESIZE, common.PAGESIZE)
	assert.NoError(err, "adjacent map is fine")
	assert.NoError(r2.Close())

	_, err = b.Map(base+1, common.PAGESIZE)
	assert.True(errors.Is(err, unix.EINVAL), "unaligned: %v", err)
	_, err = b.Map(base, 65*common.PAGESIZE)
	assert.True(errors.Is(err, unix.EINVAL), "too big: %v", err)
	_, err = b.Map(0, common.PAGESIZE)
	assert.True(errors.Is(err, unix.EINVAL), "below base: %v", err)

	assert.NoError(r.Close())
	assert.NoError(r.Close(), "close is idempotent")
	assert.Equal(0, b.rs.len())
}

func TestMemBankPersists(t *testing.T) {
	b := NewMemBank(base, 4*common.PAGESIZE)
	r, err := b.Map(base, common.PAGESIZE)
	require.NoError(t, err)
	require.NoError(t, r.Protect(0, 16, true))
	copy(r.Bytes(), []byte("persistent"))
	require.NoError(t, r.Protect(0, 16, false))
	require.NoError(t, r.Close())

	r, err = b.Map(base, 4*common.PAGESIZE)
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), r.Bytes()[:10])
	r.Close()
}

func TestProtectNesting(t *testing.T) {
	assert := assert.New(t)
	b := NewMemBank(base, 4*common.PAGESIZE)
	r, err := b.Map(base, 4*common.PAGESIZE)
	require.NoError(t, err)
	defer r.Close()

	assert.False(r.Writable(0))
	assert.NoError(r.Protect(0, 128, true))
	assert.NoError(r.Protect(128, 128, true))
	assert.True(r.Writable(0))
	assert.False(r.Writable(common.PAGESIZE))

	assert.NoError(r.Protect(0, 128, false))
	assert.True(r.Writable(0), "second window still open")
	assert.NoError(r.Protect(128, 128, false))
	assert.False(r.Writable(0))

	// a range straddling a page boundary opens both pages
	assert.NoError(r.Protect(common.PAGESIZE-8, 16, true))
	assert.True(r.Writable(0))
	assert.True(r.Writable(common.PAGESIZE))
	assert.NoError(r.Protect(common.PAGESIZE-8, 16, false))
	assert.Equal(0, r.(*memRegion).nwritable())

	assert.Panics(func() { r.Protect(0, 8, false) }, "unbalanced")
	assert.Panics(func() { r.Protect(4*common.PAGESIZE, 8, true) }, "out of range")
}

func TestFileBank(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "pmem")
	b, err := OpenFileBank(path, base, 8*common.PAGESIZE)
	require.NoError(t, err)

	r, err := b.Map(base, 8*common.PAGESIZE)
	require.NoError(t, err)
	_, err = b.Map(base, common.PAGESIZE)
	assert.True(errors.Is(err, unix.EBUSY))

	require.NoError(t, r.Protect(common.PAGESIZE, 64, true))
	copy(r.Bytes()[common.PAGESIZE:], []byte("hello pmem"))
	require.NoError(t, r.Protect(common.PAGESIZE, 64, false))
	assert.NoError(r.Sync())
	assert.NoError(r.Close())
	assert.NoError(r.Close())

	b2, err := OpenFileBank(path, base, 8*common.PAGESIZE)
	require.NoError(t, err)
	r2, err := b2.Map(base+common.PAGESIZE, common.PAGESIZE)
	require.NoError(t, err)
	assert.Equal([]byte("hello pmem"), r2.Bytes()[:10])
	assert.NoError(r2.Close())
}
