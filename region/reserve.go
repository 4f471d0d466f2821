package region

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

type span struct {
	start uint64
	end   uint64
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// reservations is the set of physical ranges that are currently mapped,
// ordered by start address.
type reservations struct {
	mu    *sync.Mutex
	spans *btree.BTreeG[span]
}

func mkReservations() *reservations {
	return &reservations{
		mu:    new(sync.Mutex),
		spans: btree.NewG[span](8, spanLess),
	}
}

// reserve claims [start, start+size) or fails with EBUSY if any part of it is
// already claimed.
func (rs *reservations) reserve(start uint64, size uint64) error {
	s := span{start: start, end: start + size}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	busy := false
	rs.spans.DescendLessOrEqual(span{start: s.start}, func(prev span) bool {
		busy = prev.end > s.start
		return false
	})
	if !busy {
		rs.spans.AscendGreaterOrEqual(span{start: s.start}, func(next span) bool {
			busy = next.start < s.end
			return false
		})
	}
	if busy {
		return fmt.Errorf("range [%#x, %#x) is already mapped: %w",
			s.start, s.end, unix.EBUSY)
	}
	rs.spans.ReplaceOrInsert(s)
	return nil
}

func (rs *reservations) release(start uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.spans.Delete(span{start: start})
}

func (rs *reservations) len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.spans.Len()
}
