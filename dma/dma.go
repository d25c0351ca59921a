// Package dma provides physically-addressable memory for device command
// rings and data buffers.
//
// A Region is a block of memory with a stable physical base address that
// hardware can DMA into. An Allocator hands out Regions; a Mapper answers
// virtual-to-physical queries for arbitrary host buffers so that
// scatter-gather lists can be built over them.
package dma

import (
	"errors"
	"fmt"
)

// PageSize is the allocation granularity of every Allocator.
const PageSize = 4096

var (
	// ErrExhausted is returned by an Allocator that cannot satisfy a
	// request. Driver bind paths surface it as a bind failure.
	ErrExhausted = errors.New("dma: out of memory")
)

// Region is a physically-contiguous allocation. The zero Region is empty.
type Region struct {
	buf  []byte
	phys uint64
}

func NewRegion(buf []byte, phys uint64) Region {
	return Region{buf: buf, phys: phys}
}

func (r Region) Bytes() []byte { return r.buf }
func (r Region) Phys() uint64  { return r.phys }
func (r Region) Len() int      { return len(r.buf) }
func (r Region) Empty() bool   { return r.buf == nil }

// Slice returns the n bytes starting at off.
func (r Region) Slice(off, n int) []byte {
	return r.buf[off : off+n : off+n]
}

// PhysAt returns the physical address of the byte at off.
func (r Region) PhysAt(off int) uint64 {
	if off < 0 || off > len(r.buf) {
		panic(fmt.Sprintf("dma: PhysAt(%d) outside region of %d bytes", off, len(r.buf)))
	}
	return r.phys + uint64(off)
}

// Allocator provides DMA-capable memory. addrBits is the device's
// addressing width: an allocation for a 32-bit device must have its whole
// physical range below 4GB.
type Allocator interface {
	AllocDMA(pages int, addrBits uint) (Region, error)
}

// Mapper translates a virtual address to its physical address. The second
// result is false when the address is not DMA-mappable.
type Mapper interface {
	Phys(va uintptr) (uint64, bool)
}

// IdentityMapper is the direct-map translation used when the kernel keeps
// all of physical memory mapped at a fixed virtual base.
type IdentityMapper struct {
	VirtBase uintptr
	PhysBase uint64
	Size     uint64
}

func (m IdentityMapper) Phys(va uintptr) (uint64, bool) {
	if va < m.VirtBase || uint64(va-m.VirtBase) >= m.Size {
		return 0, false
	}
	return m.PhysBase + uint64(va-m.VirtBase), true
}
