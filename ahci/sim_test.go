package ahci

import (
	"fmt"
	"sync"

	"github.com/emberos/sata/ata"
	"github.com/emberos/sata/dma"
	"github.com/emberos/sata/irq"
)

// simHBA is a behavioral AHCI controller model implementing
// devmgr.IOBinding. A write to a port's command-issue register executes
// the issued slots against the attached simDisk: the model walks the
// command list and PRDT through the arena exactly as a bus master would,
// completes the slots, and asserts the interrupt line.
type simHBA struct {
	mu    sync.Mutex
	arena *dma.Arena
	irqs  *irq.Dispatcher
	line  uint

	nslots int
	pi     uint32
	disks  map[int]*simDisk
	regs   map[uint]uint32

	issued []simIssue
}

type simDisk struct {
	sig   uint32
	ident *ata.IdentifyData

	// failNext makes the next issued command complete with a device
	// error; hangNext makes it never complete at all.
	failNext bool
	hangNext bool
}

type simIssue struct {
	port int
	fis  FisRegH2D
}

const simIRQLine = 11

func newSimHBA(arena *dma.Arena, irqs *irq.Dispatcher, nslots int, pi uint32) *simHBA {
	return &simHBA{
		arena:  arena,
		irqs:   irqs,
		line:   simIRQLine,
		nslots: nslots,
		pi:     pi,
		disks:  make(map[int]*simDisk),
		regs:   make(map[uint]uint32),
	}
}

func simATADisk(model, serial string, sectors uint64) *simDisk {
	id := &ata.IdentifyData{
		LBA48Sectors: sectors,
		LBA28Sectors: uint32(sectors & 0x0FFFFFFF),
		QueueDepth:   31,
		SATACaps:     ata.SATACapNCQ,
		Features87:   1 << 14,
	}
	id.SetStrings(model, serial, "1.0")
	return &simDisk{sig: SigATA, ident: id}
}

// preset stores a raw register value, bypassing the write-1-to-clear
// handling. Tests use it to model firmware leftovers.
func (h *simHBA) preset(off uint, v uint32) {
	h.mu.Lock()
	h.regs[off] = v
	h.mu.Unlock()
}

func (h *simHBA) attach(port int, d *simDisk) {
	h.mu.Lock()
	h.disks[port] = d
	h.mu.Unlock()
}

func (h *simHBA) issues() []simIssue {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]simIssue(nil), h.issued...)
}

func (h *simHBA) lastIssue() (simIssue, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.issued) == 0 {
		return simIssue{}, false
	}
	return h.issued[len(h.issued)-1], true
}

func (h *simHBA) Read32(off uint) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch off {
	case regCAP:
		return uint32(h.nslots-1)<<capNCSofs | capS64A
	case regPI:
		return h.pi
	}
	if off >= regPortBase {
		port := int(off-regPortBase) / portRegSpan
		switch off % portRegSpan {
		case pxSSTS:
			if h.disks[port] != nil {
				return sstsDETEstablished
			}
			return 0
		case pxSIG:
			if d := h.disks[port]; d != nil {
				return d.sig
			}
			return ^uint32(0)
		}
	}
	return h.regs[off]
}

func (h *simHBA) Write32(off uint, v uint32) {
	h.mu.Lock()

	if off == regIS {
		h.regs[off] &^= v // RWC
		h.mu.Unlock()
		return
	}
	if off < regPortBase {
		h.regs[off] = v
		h.mu.Unlock()
		return
	}

	port := int(off-regPortBase) / portRegSpan
	switch off % portRegSpan {
	case pxIS, pxSERR:
		h.regs[off] &^= v // RWC
	case pxCMD:
		h.writeCMD(off, v)
	case pxSACT:
		h.regs[off] |= v
	case pxCI:
		h.regs[off] |= v
		h.execLocked(port, v)
		h.mu.Unlock()
		h.irqs.Assert(h.line)
		return
	default:
		h.regs[off] = v
	}
	h.mu.Unlock()
}

// writeCMD models the command register: clearing ST/FRE also stops the
// running engine (CR/FR follow), unless the port is marked stuck.
func (h *simHBA) writeCMD(off uint, v uint32) {
	if h.regs[off]&simStuckBit != 0 {
		h.regs[off] = v | pxcmdCR | simStuckBit
		return
	}
	if v&(pxcmdST|pxcmdFRE) == 0 {
		v &^= pxcmdCR | pxcmdFR
	}
	h.regs[off] = v
}

// simStuckBit marks a port whose command engine never stops. It occupies
// a reserved PxCMD bit.
const simStuckBit uint32 = 1 << 7

func (h *simHBA) execLocked(port int, slots uint32) {
	base := regPortBase + uint(port)*portRegSpan
	clb := uint64(h.regs[base+pxCLB]) | uint64(h.regs[base+pxCLBU])<<32
	d := h.disks[port]

	for s := 0; s < h.nslots; s++ {
		mask := uint32(1) << uint(s)
		if slots&mask == 0 {
			continue
		}

		raw, ok := h.arena.BytesAt(clb+uint64(s)*cmdHeaderBytes, cmdHeaderBytes)
		if !ok {
			panic(fmt.Sprintf("sim: port %d slot %d: command list not mapped", port, s))
		}
		hd := cmdHeader{raw}
		tab, ok := h.arena.BytesAt(hd.ctba(), cmdTableBytes)
		if !ok {
			panic(fmt.Sprintf("sim: port %d slot %d: command table not mapped", port, s))
		}
		if n := hd.flags() & 0x1F; int(n) != fisRegH2DBytes/4 {
			panic(fmt.Sprintf("sim: port %d slot %d: fis length %d dwords", port, s, n))
		}
		fis := DecodeFisRegH2D(tab[tabOffCFIS:])
		h.issued = append(h.issued, simIssue{port: port, fis: fis})

		if d != nil && d.hangNext {
			d.hangNext = false
			continue // CI stays set, no completion ever arrives
		}
		if d != nil && d.failNext {
			d.failNext = false
			h.regs[base+pxSERR] |= mask
			h.regs[base+pxIS] |= pxisTFES
			h.regs[regIS] |= 1 << uint(port)
			continue // CI stays set, command never finishes
		}

		var payload []byte
		if d != nil {
			switch fis.Command {
			case ata.CmdIdentify, ata.CmdIdentifyPacket:
				payload = d.ident.Encode()
			}
		}
		if hd.flags()&hdrFlagWrite == 0 {
			h.dmaOut(hd, cmdTable{tab}, payload)
		}

		h.regs[base+pxCI] &^= mask
		h.regs[base+pxSACT] &^= mask
		h.regs[base+pxIS] |= pxisDHRS
		h.regs[regIS] |= 1 << uint(port)
	}
}

// dmaOut scatters payload through the slot's PRDT, the transfer a real
// device performs for a device-to-host command, and reports the byte
// count back through the header.
func (h *simHBA) dmaOut(hd cmdHeader, tab cmdTable, payload []byte) {
	written := 0
	for e := 0; e < int(hd.prdtl()) && len(payload) > 0; e++ {
		ent := tab.prd(e)
		n := int(ent.count())
		dst, ok := h.arena.BytesAt(ent.base(), n)
		if !ok {
			panic(fmt.Sprintf("sim: prd target %#x+%d not mapped", ent.base(), n))
		}
		written += copy(dst, payload)
		if len(payload) > n {
			payload = payload[n:]
		} else {
			payload = nil
		}
	}
	hd.setPRDBC(uint32(written))
}
