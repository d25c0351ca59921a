package devmgr

import (
	"fmt"
	"sync/atomic"
)

// IOBinding is a window of 32-bit device registers. Offsets are in bytes
// and must be 4-byte aligned. Accesses are single, uncombined 32-bit
// operations; locked read-modify-write cycles against device registers are
// not supported by AHCI hardware, so there are no atomic-RMW methods here.
type IOBinding interface {
	Read32(off uint) uint32
	Write32(off uint, val uint32)
}

// MemIO is a memory-mapped register window.
type MemIO struct {
	words []uint32
}

// NewMemIO wraps a mapped register file. The slice must cover the whole
// register window of the device.
func NewMemIO(words []uint32) *MemIO {
	return &MemIO{words: words}
}

func (m *MemIO) Read32(off uint) uint32 {
	return atomic.LoadUint32(&m.words[m.index(off)])
}

func (m *MemIO) Write32(off uint, val uint32) {
	atomic.StoreUint32(&m.words[m.index(off)], val)
}

func (m *MemIO) index(off uint) uint {
	if off&3 != 0 {
		panic(fmt.Sprintf("devmgr: misaligned register access at %#x", off))
	}
	if int(off/4) >= len(m.words) {
		panic(fmt.Sprintf("devmgr: register access at %#x outside %d-byte window", off, 4*len(m.words)))
	}
	return off / 4
}

// PortIO is an x86 port-mapped register window. The In/Out hooks perform
// the actual port access for the platform.
type PortIO struct {
	Base uint16
	Size uint16
	In   func(port uint16) uint32
	Out  func(port uint16, val uint32)
}

func (p *PortIO) Read32(off uint) uint32 {
	return p.In(p.port(off))
}

func (p *PortIO) Write32(off uint, val uint32) {
	p.Out(p.port(off), val)
}

func (p *PortIO) port(off uint) uint16 {
	if off+4 > uint(p.Size) {
		panic(fmt.Sprintf("devmgr: port access at %#x outside %d-byte window", off, p.Size))
	}
	return p.Base + uint16(off)
}
