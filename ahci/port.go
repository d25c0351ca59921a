package ahci

import (
	"context"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/platinasystems/log"
	"golang.org/x/sync/semaphore"

	"github.com/emberos/sata/ata"
	"github.com/emberos/sata/dma"
)

// Port owns one SATA port: its command list and table DMA regions, its
// slot pool, and its share of interrupt handling.
//
// DMA layout: a single page holds the command list (one 32-byte header per
// slot) at offset 0 and the received-FIS area in the last 256 bytes.
// Command tables live in the space between; slots that do not fit there
// spill into dedicated overflow pages.
type Port struct {
	index int
	ctrlr *shared

	cmdList dma.Region
	tables  [maxTablePages]dma.Region
	tabBase int // offset of the first shared table in the list page
	nShared int // tables resident in the list page

	events []chan struct{}
	slots  *semaphore.Weighted
	used   uint32 // atomic bitmask; bit set = slot owned by a caller

	// Disk identity, filled by UpdateConnection for ATA signatures.
	model   string
	serial  string
	sectors uint64
}

func newPort(ctrlr *shared, idx int) (*Port, error) {
	dbg("port %d: new, %d slots", idx, ctrlr.maxSlots)

	p := &Port{index: idx, ctrlr: ctrlr}

	cl, err := ctrlr.mem.AllocDMA(1, ctrlr.addrBits())
	if err != nil {
		return nil, &BindError{Port: idx, Op: "command list", Err: err}
	}
	if cl.Phys()&(1<<10-1) != 0 {
		return nil, &BindError{Port: idx, Op: "command list",
			Err: fmt.Errorf("base %#x not 1KB aligned", cl.Phys())}
	}
	p.cmdList = cl

	// Command tables share the list page while they fit; the rest go to
	// overflow pages.
	clSize := ctrlr.maxSlots * cmdHeaderBytes
	p.tabBase = (clSize + cmdTableAlign - 1) &^ (cmdTableAlign - 1)
	p.nShared = (dma.PageSize - rcvdFisBytes - p.tabBase) / cmdTableBytes
	if n := ctrlr.maxSlots - p.nShared; n > 0 {
		nPages := (n + tablesPerPage - 1) / tablesPerPage
		if nPages > maxTablePages {
			return nil, &BindError{Port: idx, Op: "command tables",
				Err: fmt.Errorf("%d slots need %d table pages", ctrlr.maxSlots, nPages)}
		}
		for i := 0; i < nPages; i++ {
			p.tables[i], err = ctrlr.mem.AllocDMA(1, ctrlr.addrBits())
			if err != nil {
				return nil, &BindError{Port: idx, Op: "command tables", Err: err}
			}
		}
	}

	for s := 0; s < ctrlr.maxSlots; s++ {
		p.header(s).setCTBA(p.tablePhys(s))
	}

	pr := p.regs()
	pr.write(pxCLB, uint32(cl.Phys()))
	pr.write(pxCLBU, uint32(cl.Phys()>>32))
	fisPhys := cl.PhysAt(dma.PageSize - rcvdFisBytes)
	pr.write(pxFB, uint32(fisPhys))
	pr.write(pxFBU, uint32(fisPhys>>32))

	pr.write(pxSACT, 0)
	pr.write(pxSERR, serrClearAll)
	pr.write(pxIS, ^uint32(0))
	pr.write(pxIE, pxieDefault)
	pr.write(pxCMD, pr.read(pxCMD)|pxcmdST|pxcmdFRE)

	p.events = make([]chan struct{}, ctrlr.maxSlots)
	for i := range p.events {
		p.events[i] = make(chan struct{}, 1)
	}
	p.slots = semaphore.NewWeighted(int64(ctrlr.maxSlots))
	return p, nil
}

func (p *Port) regs() portRegs {
	return portRegs{p.ctrlr.io, p.index}
}

// Index returns the port's position in the HBA's port map.
func (p *Port) Index() int { return p.index }

// Identity returns the model, serial and sector count learned from the
// last connection scan. Sectors is zero when no ATA disk was identified.
func (p *Port) Identity() (model, serial string, sectors uint64) {
	return p.model, p.serial, p.sectors
}

func (p *Port) usedMask() uint32 {
	return atomic.LoadUint32(&p.used)
}

// Slot addressing. Slot i's table lives in the command-list page when
// i < nShared, else in overflow page (i-nShared)/tablesPerPage at entry
// (i-nShared)%tablesPerPage. Total and injective over 0..maxSlots.

func (p *Port) header(i int) cmdHeader {
	return cmdHeader{p.cmdList.Slice(i*cmdHeaderBytes, cmdHeaderBytes)}
}

func (p *Port) table(i int) cmdTable {
	reg, off := p.tableHome(i)
	return cmdTable{reg.Slice(off, cmdTableBytes)}
}

func (p *Port) tablePhys(i int) uint64 {
	reg, off := p.tableHome(i)
	return reg.PhysAt(off)
}

func (p *Port) tableHome(i int) (dma.Region, int) {
	if i < 0 || i >= p.ctrlr.maxSlots {
		panic(fmt.Sprintf("ahci: slot %d out of range", i))
	}
	if i < p.nShared {
		return p.cmdList, p.tabBase + i*cmdTableBytes
	}
	i -= p.nShared
	return p.tables[i/tablesPerPage], (i % tablesPerPage) * cmdTableBytes
}

func (p *Port) rcvdFis() []byte {
	return p.cmdList.Slice(dma.PageSize-rcvdFisBytes, rcvdFisBytes)
}

// UpdateConnection scans the port once for an attached device and, for an
// ATA disk, interrogates it with IDENTIFY. It is a one-shot scan, not a
// hot-plug state machine.
func (p *Port) UpdateConnection() {
	pr := p.regs()

	tfd, ssts := pr.read(pxTFD), pr.read(pxSSTS)
	if tfd&(pxtfdBSY|pxtfdDRQ) != 0 {
		// Device is mid-operation; nothing to interrogate.
		return
	}
	if ssts&sstsDETMask != sstsDETEstablished {
		return
	}

	switch sig := pr.read(pxSIG); sig {
	case SigATA:
		id, err := p.requestIdentify(ata.CmdIdentify)
		if err != nil {
			log.Print("ahci: port ", p.index, ": identify failed: ", err)
			return
		}
		p.model = id.ModelString()
		p.serial = id.SerialString()
		p.sectors = id.Sectors()
		log.Print("ahci: port ", p.index, ": disk ", p.model,
			", ", p.sectors, " sectors (", p.sectors*512>>20, " MiB)")
	case SigATAPI:
		id, err := p.requestIdentify(ata.CmdIdentifyPacket)
		if err != nil {
			log.Print("ahci: port ", p.index, ": identify packet failed: ", err)
			return
		}
		// Volume creation for packet devices is not wired up yet.
		log.Print("note", "ahci: port ", p.index, ": atapi device ",
			id.ModelString(), ", no volume support")
	default:
		log.Printf("err", "ahci: port %d: unknown signature %08x", p.index, sig)
	}
}

// requestIdentify issues IDENTIFY or IDENTIFY PACKET and decodes the
// response. The response buffer is a DMA page so the scatter-gather walk
// always resolves. Allocators have no free path, so the page is retained;
// connection scans run once per bind.
func (p *Port) requestIdentify(cmd uint8) (*ata.IdentifyData, error) {
	reg, err := p.ctrlr.mem.AllocDMA(1, p.ctrlr.addrBits())
	if err != nil {
		return nil, err
	}
	buf := reg.Slice(0, ata.IdentifyBytes)
	if err := p.RequestATALBA28(0, cmd, 0, 0, DataRecv(buf)); err != nil {
		return nil, err
	}
	return ata.ParseIdentify(buf)
}

// RequestATALBA28 issues a 28-bit LBA command and blocks until the device
// completes or fails it. disk selects device 0 or 1 behind the port.
func (p *Port) RequestATALBA28(disk, cmd, nSectors uint8, lba uint32, data Data) error {
	if lba >= 1<<28 {
		return fmt.Errorf("ahci: lba %#x does not fit 28 bits", lba)
	}
	fis := FisRegH2D{
		Command:     cmd,
		LBA0:        uint8(lba),
		LBA1:        uint8(lba >> 8),
		LBA2:        uint8(lba >> 16),
		DevHead:     ata.DevLBA | disk<<4 | uint8(lba>>24)&0x0F,
		SectorCount: nSectors,
	}
	enc := fis.Encode()
	return p.doFIS(enc[:], nil, data)
}

// Data describes the host buffer of one transfer and its direction.
type Data struct {
	buf  []byte
	send bool
}

// DataSend marks buf as host-to-device payload.
func DataSend(buf []byte) Data { return Data{buf: buf, send: true} }

// DataRecv marks buf as the destination of a device-to-host transfer.
func DataRecv(buf []byte) Data { return Data{buf: buf} }

// doFIS runs one command through a slot: copies the command FIS (and, for
// packet commands, the ATAPI command bytes) into the slot's table, builds
// the PRDT over data, issues the slot and blocks until the interrupt
// handler posts completion. The slot is released on every exit path.
func (p *Port) doFIS(cmdFis, pkt []byte, data Data) (err error) {
	slot := p.getCommandSlot()
	defer func() {
		if rerr := slot.release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	copy(slot.table.cfis(), cmdFis)
	copy(slot.table.acmd(), pkt)

	nEnts, err := p.fillPRDT(slot.table, data)
	if err != nil {
		return err
	}
	slot.hdr.setPRDTL(uint16(nEnts))
	slot.hdr.setPRDBC(0)
	flags := uint16(len(cmdFis) / 4) // FIS length in dwords
	if data.send {
		flags |= hdrFlagWrite
	}
	slot.hdr.setFlags(flags)

	slot.drain()
	mask := uint32(1) << uint(slot.idx)
	pr := p.regs()
	// Point of no return: hardware owns the slot's buffers from here
	// until completion.
	pr.write(pxSACT, mask)
	pr.write(pxCI, mask)

	<-slot.event

	ci, serr := pr.read(pxCI), pr.read(pxSERR)
	switch {
	case ci&mask == 0:
		return nil
	case serr&mask != 0:
		// Ack the latched error bit so the slot's next occupant does
		// not inherit it.
		pr.write(pxSERR, serr&mask)
		return &DeviceError{Port: p.index, Slot: slot.idx,
			TFD: pr.read(pxTFD), SErr: serr}
	default:
		return &ProtocolError{Port: p.index, Slot: slot.idx,
			Reason: "woken while command still active"}
	}
}

// fillPRDT builds the scatter-gather list for data. Each entry covers the
// longest physically-contiguous run from the current position, capped at
// the hardware's per-entry maximum; the final entry carries the
// interrupt-on-completion flag.
func (p *Port) fillPRDT(tab cmdTable, data Data) (int, error) {
	if len(data.buf) == 0 {
		return 0, nil
	}
	va := uintptr(unsafe.Pointer(&data.buf[0]))
	remaining := len(data.buf)
	n := 0
	for remaining > 0 {
		base, ok := p.ctrlr.mapper.Phys(va)
		if !ok {
			return 0, fmt.Errorf("%w: buffer at %#x is not dma-mappable", ErrUnsupported, va)
		}
		seglen := dma.PageSize - int(base%dma.PageSize)
		for seglen < remaining && seglen <= maxPRDSize {
			next, ok := p.ctrlr.mapper.Phys(va + uintptr(seglen))
			if !ok || next != base+uint64(seglen) {
				break
			}
			seglen += dma.PageSize
		}
		if seglen > remaining {
			seglen = remaining
		}
		if seglen > maxPRDSize {
			seglen = maxPRDSize
		}
		if base%4 != 0 || seglen%2 != 0 {
			// Needs a copy-through bounce buffer, which is not
			// implemented.
			return 0, fmt.Errorf("%w: segment %#x+%d fails dma alignment rules",
				ErrUnsupported, base, seglen)
		}
		if n == maxPRDEntries {
			return 0, fmt.Errorf("%w: transfer needs more than %d prdt entries",
				ErrUnsupported, maxPRDEntries)
		}
		tab.prd(n).set(base, uint32(seglen-1))
		va += uintptr(seglen)
		remaining -= seglen
		n++
	}
	tab.prd(n - 1).setIOC()
	return n, nil
}

// commandSlot is a borrowed hardware command context: the slot index, its
// table and header, and its completion event. It is exclusively owned
// between getCommandSlot and release.
type commandSlot struct {
	idx   int
	port  *Port
	table cmdTable
	hdr   cmdHeader
	event chan struct{}
}

// getCommandSlot blocks until a slot is free and claims the lowest one.
// The semaphore bounds concurrency; the bitmask assigns the index. Under
// contention only the compare-and-swap retry serializes, never command
// execution.
func (p *Port) getCommandSlot() *commandSlot {
	// Acquire on the background context cannot fail; it blocks until a
	// permit frees up.
	if err := p.slots.Acquire(context.Background(), 1); err != nil {
		panic("ahci: slot semaphore: " + err.Error())
	}

	cur := atomic.LoadUint32(&p.used)
	for {
		avail := bits.TrailingZeros32(^cur)
		if avail >= p.ctrlr.maxSlots {
			// Impossible while the permit is held: the semaphore
			// count equals the number of clear bits.
			panic(fmt.Sprintf("ahci: port %d: permit held but mask %#x full", p.index, cur))
		}
		if atomic.CompareAndSwapUint32(&p.used, cur, cur|1<<uint(avail)) {
			return &commandSlot{
				idx:   avail,
				port:  p,
				table: p.table(avail),
				hdr:   p.header(avail),
				event: p.events[avail],
			}
		}
		cur = atomic.LoadUint32(&p.used)
	}
}

// release returns the slot to the pool. Hardware must no longer report the
// slot active; a caller releasing a live slot has violated the issue
// protocol and the slot is reclaimed anyway to keep the pool invariant.
func (s *commandSlot) release() error {
	var err error
	mask := uint32(1) << uint(s.idx)
	if s.port.regs().read(pxCI)&mask != 0 {
		err = &ProtocolError{Port: s.port.index, Slot: s.idx,
			Reason: "released while hardware reports the slot active"}
	}
	for {
		cur := atomic.LoadUint32(&s.port.used)
		if atomic.CompareAndSwapUint32(&s.port.used, cur, cur&^mask) {
			break
		}
	}
	s.port.slots.Release(1)
	return err
}

// drain empties the completion event so a stale post from a previous
// command cannot satisfy this one's wait.
func (s *commandSlot) drain() {
	select {
	case <-s.event:
	default:
	}
}

// post signals completion without blocking. The channel holds one token,
// so repeated posts before the waiter runs collapse into one.
func post(ev chan struct{}) {
	select {
	case ev <- struct{}{}:
	default:
	}
}

// handleIRQ services this port's share of an interrupt. Runs in interrupt
// context: it must not block or allocate, and it may not touch the slot
// semaphore. It talks to waiters only by posting their pre-allocated
// events.
func (p *Port) handleIRQ() {
	pr := p.regs()
	intStatus := pr.read(pxIS)
	dbg("port %d: irq, is %#x", p.index, intStatus)

	if intStatus&pxisCPDS != 0 {
		log.Print("note", "ahci: port ", p.index, ": presence change")
	}
	if intStatus&pxisTFES != 0 {
		// Should terminate the affected in-flight commands with an
		// error; for now the completion scan below wakes them.
		log.Printf("err", "ahci: port %d: task file error, tfd %#x",
			p.index, pr.read(pxTFD))
	}
	if intStatus&pxisDHRS != 0 {
		rfis := p.rcvdFis()
		dbg("port %d: d2h register update, status %#x error %#x",
			p.index, rfis[rfisOffRFIS+2], rfis[rfisOffRFIS+3])
	}
	if intStatus&pxisPSS != 0 {
		rfis := p.rcvdFis()
		dbg("port %d: pio setup update, status %#x", p.index, rfis[rfisOffPSFIS+2])
	}

	issued := pr.read(pxCI)
	active := pr.read(pxSACT)
	serr := pr.read(pxSERR)
	used := atomic.LoadUint32(&p.used)
	for s := 0; s < p.ctrlr.maxSlots; s++ {
		mask := uint32(1) << uint(s)
		switch {
		case used&mask != 0:
			if issued&mask == 0 || active&mask == 0 || serr&mask != 0 {
				post(p.events[s])
			}
		case active&mask != 0:
			log.Print("warn", "ahci: port ", p.index, ": slot ", s,
				" active but not used")
		}
	}

	pr.write(pxIS, intStatus)
}
