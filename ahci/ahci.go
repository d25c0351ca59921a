package ahci

import (
	"fmt"

	"github.com/platinasystems/log"

	"github.com/emberos/sata/devmgr"
	"github.com/emberos/sata/dma"
	"github.com/emberos/sata/irq"
)

const debugTrace = false

// dbgArgs flattens a format and its operands into the single argument
// list log.Printf takes, prefixing the driver name.
func dbgArgs(format string, args []interface{}) []interface{} {
	return append([]interface{}{"ahci: " + format}, args...)
}

func dbg(format string, args ...interface{}) {
	if debugTrace {
		log.Printf(dbgArgs(format, args)...)
	}
}

// shared is the controller state every port borrows: the register window
// and the capability bits read at bind time. It is immutable once the
// controller is constructed, and heap-allocated before any port exists so
// that its address is stable for the life of the device.
type shared struct {
	io     devmgr.IOBinding
	mem    dma.Allocator
	mapper dma.Mapper

	maxSlots int // command slots per port, 1..32
	has64    bool
}

func (s *shared) addrBits() uint {
	if s.has64 {
		return 64
	}
	return 32
}

// Config carries the resources a Controller is bound with.
type Config struct {
	IRQ    uint
	IO     devmgr.IOBinding
	Mem    dma.Allocator
	Mapper dma.Mapper
	IRQs   *irq.Dispatcher
}

// Controller drives one AHCI HBA. It owns the implemented ports and the
// interrupt binding; it is constructed once at driver bind time and lives
// for the lifetime of the device.
type Controller struct {
	inner *shared
	ports []*Port
}

// New brings up the HBA: enables AHCI mode, idles any port left running by
// firmware, reads the capability bits, constructs one Port per implemented
// bit, enables interrupts and binds the interrupt line, then runs an
// initial connection scan on every port.
func New(cfg Config) (*Controller, error) {
	io := cfg.IO

	io.Write32(regGHC, ghcAE)
	pi := io.Read32(regPI)

	// A port mid-transfer at attach time must never be touched while
	// busy: tell every running port to go idle before programming it.
	for i := 0; i < 32; i++ {
		if pi&(1<<uint(i)) == 0 {
			continue
		}
		pr := portRegs{io, i}
		if pr.read(pxCMD)&(pxcmdST|pxcmdCR|pxcmdFRE|pxcmdFR) != 0 {
			pr.write(pxCMD, 0)
		}
	}

	caps := io.Read32(regCAP)
	inner := &shared{
		io:       io,
		mem:      cfg.Mem,
		mapper:   cfg.Mapper,
		maxSlots: int((caps&capNCS)>>capNCSofs) + 1,
		has64:    caps&capS64A != 0,
	}
	dbg("cap %#x: %d slots, 64-bit %v, pi %#x", caps, inner.maxSlots, inner.has64, pi)

	c := &Controller{inner: inner}
	for i := 0; i < 32; i++ {
		if pi&(1<<uint(i)) == 0 {
			continue
		}
		pr := portRegs{io, i}
		if pr.read(pxCMD)&(pxcmdCR|pxcmdFR) != 0 {
			// Waiting out a port that will not idle is not
			// implemented; surface it rather than program a live
			// command engine.
			return nil, &BindError{Port: i, Op: "idle",
				Err: fmt.Errorf("%w: port still running", ErrUnsupported)}
		}
		p, err := newPort(inner, i)
		if err != nil {
			return nil, err
		}
		c.ports = append(c.ports, p)
	}

	io.Write32(regIS, ^uint32(0))
	io.Write32(regGHC, ghcAE|ghcIE)

	// Bind the interrupt only now: the handler captures c, which must be
	// fully constructed and stationary first.
	cfg.IRQs.Bind(cfg.IRQ, c.HandleIRQ)

	for _, p := range c.ports {
		p.UpdateConnection()
	}
	return c, nil
}

// HandleIRQ services one assertion of the controller's interrupt line,
// delegating to every port whose bit is set in the root interrupt status.
// It reports whether any port claimed the interrupt, per the shared-line
// convention. Runs in interrupt context.
func (c *Controller) HandleIRQ() bool {
	rootIS := c.inner.io.Read32(regIS)
	dbg("irq: root is %#x", rootIS)

	handled := false
	for _, p := range c.ports {
		if rootIS&(1<<uint(p.index)) != 0 {
			p.handleIRQ()
			handled = true
		}
	}
	if handled {
		// Ack the root status after the port status; any port
		// interrupt arriving in between just sets the bit again.
		c.inner.io.Write32(regIS, rootIS)
	}
	return handled
}

// Ports returns the constructed ports in index order.
func (c *Controller) Ports() []*Port { return c.ports }

// MaxSlots returns the per-port command slot count the HBA supports.
func (c *Controller) MaxSlots() int { return c.inner.maxSlots }

// Supports64 reports whether the HBA can address DMA memory above 4GB.
func (c *Controller) Supports64() bool { return c.inner.has64 }
