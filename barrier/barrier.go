// Package barrier is the only sanctioned way to store to the region.
//
// A Mutation opens a write window over one object: the pages under it are
// made writable, the caller stores through Data, and End recomputes the
// object's checksum (for checksummed records) and closes the window again.
//
//	m := barrier.Begin(r, addr.MkInodeAddr(ino))
//	defer m.End()
//	ip.Encode(m.Data())
package barrier

import (
	"fmt"

	"github.com/mit-pdos/go-pramfs/addr"
	"github.com/mit-pdos/go-pramfs/checksum"
	"github.com/mit-pdos/go-pramfs/region"
	"github.com/mit-pdos/go-pramfs/util"
)

type Mutation struct {
	r    region.Region
	a    addr.Addr
	sum  bool
	done bool
}

func begin(r region.Region, a addr.Addr, sum bool) *Mutation {
	if err := r.Protect(a.Off, a.Sz, true); err != nil {
		panic(fmt.Errorf("barrier: unprotect %v: %w", a, err))
	}
	util.DPrintf(15, "barrier: open %v\n", a)
	return &Mutation{r: r, a: a, sum: sum}
}

// Begin opens a window over a checksummed record (superblock or inode).
func Begin(r region.Region, a addr.Addr) *Mutation {
	return begin(r, a, true)
}

// BeginRaw opens a window over an object without a checksum: bitmap bytes,
// index blocks and data blocks.
func BeginRaw(r region.Region, a addr.Addr) *Mutation {
	return begin(r, a, false)
}

func (m *Mutation) Addr() addr.Addr {
	return m.a
}

// Data returns the writable bytes of the object.
func (m *Mutation) Data() []byte {
	if m.done {
		panic("barrier: store after End")
	}
	return m.a.Slice(m.r.Bytes())
}

// End stores the record's checksum and write-protects the object again.
// Calling it more than once has no further effect.
func (m *Mutation) End() {
	if m.done {
		return
	}
	if m.sum {
		checksum.Store(m.a.Slice(m.r.Bytes()))
	}
	m.done = true
	if err := m.r.Protect(m.a.Off, m.a.Sz, false); err != nil {
		panic(fmt.Errorf("barrier: protect %v: %w", m.a, err))
	}
	util.DPrintf(15, "barrier: close %v\n", m.a)
}

// Do runs f inside a window over a and closes it, even if f panics.
func Do(r region.Region, a addr.Addr, f func(b []byte)) {
	m := Begin(r, a)
	defer m.End()
	f(m.Data())
}

// DoRaw is Do for objects without a checksum.
func DoRaw(r region.Region, a addr.Addr, f func(b []byte)) {
	m := BeginRaw(r, a)
	defer m.End()
	f(m.Data())
}
