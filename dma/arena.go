package dma

import (
	"fmt"
	"sync"
	"unsafe"
)

// Arena is a software physical address space. It implements both Allocator
// and Mapper over ordinary Go memory, assigning synthetic physical
// addresses from a private counter, and can look memory back up by
// physical address the way a DMA engine would.
//
// It backs hosted environments: unit tests and device models run against
// an Arena where a kernel would supply a real allocator and direct map.
type Arena struct {
	mu     sync.Mutex
	next   uint64
	ranges []arange

	// Limit caps the number of pages AllocDMA will hand out in total.
	// Zero means unlimited. Used to exercise allocation-failure paths.
	Limit int

	allocd int
}

type arange struct {
	va uintptr
	n  int
	pa uint64
	b  []byte
}

// NewArena returns an Arena whose physical addresses start at base
// (rounded up to a page boundary).
func NewArena(base uint64) *Arena {
	return &Arena{next: (base + PageSize - 1) &^ (PageSize - 1)}
}

// AllocDMA allocates pages of zeroed memory at the next page-aligned
// physical address.
func (a *Arena) AllocDMA(pages int, addrBits uint) (Region, error) {
	if pages <= 0 {
		return Region{}, fmt.Errorf("dma: bad allocation of %d pages", pages)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Limit != 0 && a.allocd+pages > a.Limit {
		return Region{}, ErrExhausted
	}
	b := make([]byte, pages*PageSize)
	pa := a.next
	if addrBits < 64 && pa+uint64(len(b)) > 1<<addrBits {
		return Region{}, fmt.Errorf("%w: no memory below %d-bit limit", ErrExhausted, addrBits)
	}
	a.next += uint64(len(b))
	a.allocd += pages
	a.insert(b, pa)
	return NewRegion(b, pa), nil
}

// Map registers a caller-owned buffer at the next page-aligned physical
// address and returns that address. Later Phys queries over the buffer
// resolve through this mapping.
func (a *Arena) Map(b []byte) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	pa := a.next
	a.next += uint64((len(b) + PageSize - 1) &^ (PageSize - 1))
	a.insert(b, pa)
	return pa
}

// MapAt registers a caller-owned buffer at an explicit physical address.
// Tests use it to construct discontiguous or misaligned layouts.
func (a *Arena) MapAt(b []byte, pa uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insert(b, pa)
}

// Reserve skips n bytes of physical address space, leaving a hole after
// the most recent mapping.
func (a *Arena) Reserve(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next += (n + PageSize - 1) &^ (PageSize - 1)
}

func (a *Arena) insert(b []byte, pa uint64) {
	if len(b) == 0 {
		return
	}
	a.ranges = append(a.ranges, arange{
		va: uintptr(unsafe.Pointer(&b[0])),
		n:  len(b),
		pa: pa,
		b:  b,
	})
}

// Phys implements Mapper.
func (a *Arena) Phys(va uintptr) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ranges {
		r := &a.ranges[i]
		if va >= r.va && va < r.va+uintptr(r.n) {
			return r.pa + uint64(va-r.va), true
		}
	}
	return 0, false
}

// BytesAt resolves a physical range back to host memory, the access a bus
// master performs. The range must fall entirely within one mapping.
func (a *Arena) BytesAt(pa uint64, n int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.ranges {
		r := &a.ranges[i]
		if pa >= r.pa && pa+uint64(n) <= r.pa+uint64(r.n) {
			off := int(pa - r.pa)
			return r.b[off : off+n : off+n], true
		}
	}
	return nil, false
}
