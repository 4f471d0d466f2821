// Package region provides byte-addressable persistent memory.
//
// A Mapper stands for a physical memory device: it hands out Regions that
// cover [phys, phys+size) of the device. Everything stored in a region is
// addressed by offsets from its base, so a region can be unmapped and mapped
// again (possibly with a different size) without any fixups.
package region

// Region is a mapped span of persistent memory.
type Region interface {
	// Bytes exposes the whole mapping. Writes are only legal in ranges that
	// are currently writable (see Protect).
	Bytes() []byte

	// Size reports the size of the mapping in bytes.
	Size() uint64

	// Phys reports the physical address the mapping starts at.
	Phys() uint64

	// Protect makes the pages covering [off, off+n) writable or takes away
	// one level of writability. Calls nest: a page stays writable until every
	// writable request for it has been matched.
	Protect(off uint64, n uint64, writable bool) error

	// Writable reports whether the page holding off is writable.
	Writable(off uint64) bool

	// Sync makes all stores to the region durable.
	Sync() error

	// Close unmaps the region and releases its reservation. Closing twice is
	// harmless.
	Close() error
}

// Mapper maps physical ranges of a persistent memory device.
type Mapper interface {
	// Map reserves [phys, phys+size) and maps it. phys must be page aligned.
	// Mapping a range that overlaps a live mapping fails with EBUSY.
	Map(phys uint64, size uint64) (Region, error)
}
