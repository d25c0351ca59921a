package ahci

import (
	"github.com/emberos/sata/devmgr"
	"github.com/emberos/sata/dma"
	"github.com/emberos/sata/irq"
)

// PCI class code for an AHCI 1.x host controller (class 01h, subclass
// 06h, programming interface 01h).
const pciClassAHCI = 0x010601

// The AHCI register window is PCI BAR 5 (ABAR).
const pciBarABAR = 5

// Driver binds AHCI-class PCI devices to Controllers. The memory and
// interrupt resources are fixed at registration time and shared by every
// controller the driver binds.
type Driver struct {
	Mem    dma.Allocator
	Mapper dma.Mapper
	IRQs   *irq.Dispatcher
}

func (d *Driver) BusType() string { return "pci" }

// Handles ranks a candidate device: any device advertising the AHCI class
// code is driveable, nothing else is.
func (d *Driver) Handles(dev devmgr.BusDevice) int {
	if dev.Attr("class") == pciClassAHCI {
		return 1
	}
	return 0
}

// Bind powers the device on and constructs a Controller over its register
// window and interrupt line.
func (d *Driver) Bind(dev devmgr.BusDevice) (devmgr.DriverInstance, error) {
	dev.SetPower(true)
	return New(Config{
		IRQ:    uint(dev.Attr("irq")),
		IO:     dev.BindIO(pciBarABAR),
		Mem:    d.Mem,
		Mapper: d.Mapper,
		IRQs:   d.IRQs,
	})
}
