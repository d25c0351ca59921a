// Package ahci implements the AHCI (SATA host controller) command engine:
// controller and port bring-up, DMA command-ring layout, concurrent
// command-slot allocation, FIS and scatter-gather construction, and
// interrupt-driven completion.
//
// Useful references:
// - http://wiki.osdev.org/AHCI
// - Serial ATA AHCI 1.3.1 specification
// - Serial ATA revision 3.x, FIS definitions
package ahci

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/sata/devmgr"
)

// Generic Host Control register offsets.
const (
	regCAP  = 0x00 // host capabilities
	regGHC  = 0x04 // global host control
	regIS   = 0x08 // interrupt status
	regPI   = 0x0C // ports implemented
	regVS   = 0x10 // version
	regCAP2 = 0x24 // extended host capabilities

	regPortBase = 0x100 // first port register block
	portRegSpan = 0x80  // per-port register stride
)

// Port register offsets, relative to the port's block.
const (
	pxCLB  = 0x00 // command list base (low)
	pxCLBU = 0x04 // command list base (high)
	pxFB   = 0x08 // FIS base (low)
	pxFBU  = 0x0C // FIS base (high)
	pxIS   = 0x10 // interrupt status
	pxIE   = 0x14 // interrupt enable
	pxCMD  = 0x18 // command and status
	pxTFD  = 0x20 // task file data
	pxSIG  = 0x24 // device signature
	pxSSTS = 0x28 // SATA status
	pxSCTL = 0x2C // SATA control
	pxSERR = 0x30 // SATA error
	pxSACT = 0x34 // SATA active
	pxCI   = 0x38 // command issue
)

const (
	ghcAE uint32 = 1 << 31 // AHCI enable
	ghcIE uint32 = 1 << 1  // interrupt enable

	capS64A   uint32 = 1 << 31 // 64-bit addressing
	capNCSofs        = 8       // number of command slots, minus one
	capNCS    uint32 = 0x1F << capNCSofs

	pxcmdST  uint32 = 1 << 0  // start
	pxcmdFRE uint32 = 1 << 4  // FIS receive enable
	pxcmdFR  uint32 = 1 << 14 // FIS receive running
	pxcmdCR  uint32 = 1 << 15 // command list running

	pxisDHRS uint32 = 1 << 0  // device-to-host register FIS
	pxisPSS  uint32 = 1 << 1  // PIO setup FIS
	pxisDSS  uint32 = 1 << 2  // DMA setup FIS
	pxisSDBS uint32 = 1 << 3  // set device bits FIS
	pxisDPS  uint32 = 1 << 5  // descriptor processed
	pxisTFES uint32 = 1 << 30 // task file error
	pxisCPDS uint32 = 1 << 31 // cold port detect

	// The interrupt causes the driver unmasks on every port.
	pxieDefault = pxisCPDS | pxisTFES | pxisDSS | pxisPSS | pxisDHRS

	pxtfdERR uint32 = 0x01
	pxtfdDRQ uint32 = 0x08
	pxtfdBSY uint32 = 0x80

	sstsDETMask        uint32 = 0x0F
	sstsDETEstablished uint32 = 3 // device present, PHY up

	// Write-1-to-clear set covering every PxSERR diagnostic and error
	// bit; writing it unwedges some HBAs during bring-up.
	serrClearAll uint32 = 0x3FF783
)

// Device signatures reported in PxSIG.
const (
	SigATA   uint32 = 0x00000101
	SigATAPI uint32 = 0xEB140101
)

// Command list, table and received-FIS geometry.
const (
	cmdHeaderBytes = 32
	cmdTableBytes  = 0x100
	cmdTableAlign  = 0x80

	tabOffCFIS = 0x00 // command FIS, 64 bytes
	tabOffACMD = 0x40 // ATAPI command, 16 bytes
	tabOffPRDT = 0x80 // PRD entries

	prdBytes      = 16
	maxPRDEntries = (cmdTableBytes - tabOffPRDT) / prdBytes
	maxPRDSize    = 4 << 20 // hardware limit per PRD entry

	rcvdFisBytes = 0x100
	rfisOffDSFIS = 0x00 // DMA setup FIS
	rfisOffPSFIS = 0x20 // PIO setup FIS
	rfisOffRFIS  = 0x40 // D2H register FIS
	rfisOffSDB   = 0x58 // set device bits FIS

	maxTablePages = 4
	tablesPerPage = 4096 / cmdTableBytes

	hdrFlagWrite uint16 = 1 << 6 // host-to-device data direction
)

// portRegs is a stateless window over one port's register block.
type portRegs struct {
	io  devmgr.IOBinding
	idx int
}

func (r portRegs) read(off uint) uint32 {
	r.check(off)
	return r.io.Read32(regPortBase + uint(r.idx)*portRegSpan + off)
}

func (r portRegs) write(off uint, val uint32) {
	r.check(off)
	r.io.Write32(regPortBase+uint(r.idx)*portRegSpan+off, val)
}

func (portRegs) check(off uint) {
	if off >= portRegSpan || off&3 != 0 {
		panic(fmt.Sprintf("ahci: bad port register offset %#x", off))
	}
}

// cmdHeader is one 32-byte command list entry, viewed over DMA memory.
type cmdHeader struct{ b []byte }

func (h cmdHeader) setFlags(v uint16) { binary.LittleEndian.PutUint16(h.b[0:], v) }
func (h cmdHeader) flags() uint16     { return binary.LittleEndian.Uint16(h.b[0:]) }
func (h cmdHeader) setPRDTL(v uint16) { binary.LittleEndian.PutUint16(h.b[2:], v) }
func (h cmdHeader) prdtl() uint16     { return binary.LittleEndian.Uint16(h.b[2:]) }
func (h cmdHeader) setPRDBC(v uint32) { binary.LittleEndian.PutUint32(h.b[4:], v) }
func (h cmdHeader) setCTBA(pa uint64) { binary.LittleEndian.PutUint64(h.b[8:], pa) }
func (h cmdHeader) ctba() uint64      { return binary.LittleEndian.Uint64(h.b[8:]) }

// cmdTable is one 256-byte command table: command FIS, ATAPI command and
// the PRDT.
type cmdTable struct{ b []byte }

func (t cmdTable) cfis() []byte { return t.b[tabOffCFIS : tabOffCFIS+0x40] }
func (t cmdTable) acmd() []byte { return t.b[tabOffACMD : tabOffACMD+0x10] }

func (t cmdTable) prd(i int) prdEntry {
	off := tabOffPRDT + i*prdBytes
	return prdEntry{t.b[off : off+prdBytes]}
}

// prdEntry is one 16-byte physical region descriptor. The byte count
// field holds length-1 in its low 22 bits; bit 31 requests an interrupt
// on completion.
type prdEntry struct{ b []byte }

func (e prdEntry) set(pa uint64, dbc uint32) {
	binary.LittleEndian.PutUint64(e.b[0:], pa)
	binary.LittleEndian.PutUint32(e.b[12:], dbc)
}

func (e prdEntry) setIOC() {
	v := binary.LittleEndian.Uint32(e.b[12:])
	binary.LittleEndian.PutUint32(e.b[12:], v|1<<31)
}

func (e prdEntry) base() uint64  { return binary.LittleEndian.Uint64(e.b[0:]) }
func (e prdEntry) count() uint32 { return binary.LittleEndian.Uint32(e.b[12:])&0x3FFFFF + 1 }
func (e prdEntry) ioc() bool     { return binary.LittleEndian.Uint32(e.b[12:])&(1<<31) != 0 }
