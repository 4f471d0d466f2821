package region

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-pramfs/common"
	"github.com/mit-pdos/go-pramfs/util"
)

var _ Mapper = (*MemBank)(nil)
var _ Region = (*memRegion)(nil)

// MemBank simulates a persistent memory device in the heap. Its contents
// outlive every region mapped from it, so unmounting and mounting again sees
// the same bytes.
type MemBank struct {
	base uint64
	mem  []byte
	rs   *reservations
}

// NewMemBank returns a zeroed bank of size bytes at physical address base.
func NewMemBank(base uint64, size uint64) *MemBank {
	return &MemBank{
		base: base,
		mem:  make([]byte, size),
		rs:   mkReservations(),
	}
}

func (b *MemBank) Base() uint64 { return b.base }

// Mem exposes the raw device contents.
func (b *MemBank) Mem() []byte { return b.mem }

func (b *MemBank) Map(phys uint64, size uint64) (Region, error) {
	if err := checkRange(b.base, uint64(len(b.mem)), phys, size); err != nil {
		return nil, err
	}
	if err := b.rs.reserve(phys, size); err != nil {
		return nil, err
	}
	off := phys - b.base
	r := &memRegion{
		bank: b,
		phys: phys,
		data: b.mem[off : off+size : off+size],
		mu:   new(sync.Mutex),
	}
	r.protector = mkProtector(size, func(uint64, uint64, bool) error { return nil })
	util.DPrintf(1, "memRegion: mapped %#x size %d\n", phys, size)
	return r, nil
}

func checkRange(base uint64, devsize uint64, phys uint64, size uint64) error {
	if phys&(common.PAGESIZE-1) != 0 {
		return fmt.Errorf("physical address %#x isn't page aligned: %w",
			phys, unix.EINVAL)
	}
	if size == 0 || phys < base || util.SumOverflows(phys, size) ||
		phys+size > base+devsize {
		return fmt.Errorf("range [%#x, +%d) outside device [%#x, +%d): %w",
			phys, size, base, devsize, unix.EINVAL)
	}
	return nil
}

type memRegion struct {
	*protector
	bank   *MemBank
	phys   uint64
	data   []byte
	mu     *sync.Mutex
	closed bool
}

func (r *memRegion) Bytes() []byte { return r.data }

func (r *memRegion) Size() uint64 { return uint64(len(r.data)) }

func (r *memRegion) Phys() uint64 { return r.phys }

func (r *memRegion) Protect(off uint64, n uint64, writable bool) error {
	return r.protect(off, n, writable)
}

func (r *memRegion) Writable(off uint64) bool {
	return r.writable(off)
}

func (r *memRegion) Sync() error { return nil }

func (r *memRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.bank.rs.release(r.phys)
	r.data = nil
	return nil
}
