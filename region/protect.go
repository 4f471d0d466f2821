package region

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-pramfs/common"
)

// protector keeps a writable count for every page of a mapping and calls
// apply whenever a page range flips between read-only and writable.
type protector struct {
	mu    *sync.Mutex
	size  uint64
	count map[uint64]uint64 // page -> outstanding writable requests
	apply func(page uint64, npage uint64, writable bool) error
}

func mkProtector(size uint64, apply func(uint64, uint64, bool) error) *protector {
	return &protector{
		mu:    new(sync.Mutex),
		size:  size,
		count: make(map[uint64]uint64),
		apply: apply,
	}
}

func (p *protector) pages(off uint64, n uint64) (uint64, uint64) {
	if n == 0 || off+n > p.size || off+n < off {
		panic(fmt.Errorf("protect: range [%d, %d) outside region of %d bytes",
			off, off+n, p.size))
	}
	first := off / common.PAGESIZE
	last := (off + n - 1) / common.PAGESIZE
	return first, last
}

func (p *protector) protect(off uint64, n uint64, writable bool) error {
	first, last := p.pages(off, n)
	p.mu.Lock()
	defer p.mu.Unlock()
	for pg := first; pg <= last; pg++ {
		c := p.count[pg]
		if writable {
			if c == 0 {
				if err := p.apply(pg, 1, true); err != nil {
					return err
				}
			}
			p.count[pg] = c + 1
			continue
		}
		if c == 0 {
			panic(fmt.Errorf("protect: page %d is not writable", pg))
		}
		if c == 1 {
			delete(p.count, pg)
			if err := p.apply(pg, 1, false); err != nil {
				return err
			}
			continue
		}
		p.count[pg] = c - 1
	}
	return nil
}

func (p *protector) writable(off uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count[off/common.PAGESIZE] > 0
}

// nwritable counts pages that are currently writable.
func (p *protector) nwritable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.count)
}
