package region

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/util"
)

var _ Mapper = (*FileBank)(nil)
var _ Region = (*fileRegion)(nil)

// FileBank is a persistent memory device backed by a file (or a DAX device
// node). Physical address base corresponds to file offset 0. Mapped pages are
// read-only except inside protection windows, enforced with mprotect.
type FileBank struct {
	path string
	base uint64
	size uint64
	rs   *reservations

	mu   *sync.Mutex // protects lock and nmap
	lock *flock.Flock
	nmap uint64
}

// OpenFileBank prepares path as a device of size bytes, growing a regular
// file if needed.
func OpenFileBank(path string, base uint64, size uint64) (*FileBank, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("opening bank `%s`: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat bank `%s`: %w", path, err)
	}
	if st.Mode().IsRegular() && uint64(st.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("sizing bank `%s`: %w", path, err)
		}
	}
	b := &FileBank{
		path: path,
		base: base,
		size: size,
		rs:   mkReservations(),
		mu:   new(sync.Mutex),
		lock: flock.New(path),
	}
	return b, nil
}

// acquire takes the cross-process lock on the backing file when the first
// region of this bank is mapped.
func (b *FileBank) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nmap == 0 {
		ok, err := b.lock.TryLock()
		if err != nil {
			return fmt.Errorf("locking bank `%s`: %w", b.path, err)
		}
		if !ok {
			return fmt.Errorf("bank `%s` is mapped by another process: %w",
				b.path, unix.EBUSY)
		}
	}
	b.nmap++
	return nil
}

func (b *FileBank) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nmap--
	if b.nmap == 0 {
		return b.lock.Unlock()
	}
	return nil
}

func (b *FileBank) Path() string { return b.path }

func (b *FileBank) Base() uint64 { return b.base }

func (b *FileBank) Map(phys uint64, size uint64) (Region, error) {
	if err := checkRange(b.base, b.size, phys, size); err != nil {
		return nil, err
	}
	if err := b.rs.reserve(phys, size); err != nil {
		return nil, err
	}
	r, err := b.mmap(phys, size)
	if err != nil {
		b.rs.release(phys)
		return nil, err
	}
	return r, nil
}

func (b *FileBank) mmap(phys uint64, size uint64) (*fileRegion, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(b.path, os.O_RDWR, 0)
	if err != nil {
		b.release()
		return nil, fmt.Errorf("opening bank `%s`: %w", b.path, err)
	}
	defer f.Close()

	// the mapping starts out read-only, like the rest of the protocol
	data, err := unix.Mmap(int(f.Fd()), int64(phys-b.base), int(size),
		unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		b.release()
		return nil, fmt.Errorf("mapping `%s` at %#x: %w", b.path, phys, err)
	}

	r := &fileRegion{
		bank: b,
		phys: phys,
		data: data,
		mu:   new(sync.Mutex),
	}
	r.protector = mkProtector(size, r.mprotect)
	util.DPrintf(1, "fileRegion: mapped %s at %#x size %d\n", b.path, phys, size)
	return r, nil
}

type fileRegion struct {
	*protector
	bank   *FileBank
	phys   uint64
	data   []byte
	mu     *sync.Mutex
	closed bool
}

func (r *fileRegion) mprotect(page uint64, npage uint64, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	start := page * common.PAGESIZE
	end := util.Min(start+npage*common.PAGESIZE, uint64(len(r.data)))
	if err := unix.Mprotect(r.data[start:end], prot); err != nil {
		return fmt.Errorf("mprotect [%#x, %#x): %w", start, end, err)
	}
	return nil
}

func (r *fileRegion) Bytes() []byte { return r.data }

func (r *fileRegion) Size() uint64 { return uint64(len(r.data)) }

func (r *fileRegion) Phys() uint64 { return r.phys }

func (r *fileRegion) Protect(off uint64, n uint64, writable bool) error {
	return r.protect(off, n, writable)
}

func (r *fileRegion) Writable(off uint64) bool {
	return r.writable(off)
}

func (r *fileRegion) Sync() error {
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync `%s`: %w", r.bank.path, err)
	}
	return nil
}

func (r *fileRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := unix.Munmap(r.data)
	r.data = nil
	r.bank.rs.release(r.phys)
	if uerr := r.bank.release(); err == nil && uerr != nil {
		err = uerr
	}
	if err != nil {
		return fmt.Errorf("unmapping `%s`: %w", r.bank.path, err)
	}
	return nil
}
