// Package devmgr is the device manager: it matches registered drivers
// against bus devices and owns the resulting driver instances.
//
// A bus registers itself with the set of devices it enumerated; for each
// device the highest-ranked driver for that bus type is bound immediately.
// Registering a driver after a bus does not rebind existing devices.
package devmgr

import (
	"sync"

	"github.com/platinasystems/log"
)

// BusManager describes one kind of bus (its type name and the attributes
// its devices carry).
type BusManager interface {
	BusType() string
	AttrNames() []string
}

// BusDevice is one enumerated device on a bus.
type BusDevice interface {
	Addr() uint32
	Attr(name string) uint32
	SetPower(on bool)
	// BindIO maps the device resource at index and returns a register
	// window over it.
	BindIO(index int) IOBinding
}

// Driver is a candidate for driving devices of one bus type. Handles ranks
// a device: 0 means the driver cannot drive it, higher is a better match.
type Driver interface {
	BusType() string
	Handles(dev BusDevice) int
	Bind(dev BusDevice) (DriverInstance, error)
}

// DriverInstance is an opaque bound driver.
type DriverInstance interface{}

// Device is a bus device together with whatever driver was bound to it.
type Device struct {
	Dev      BusDevice
	Instance DriverInstance
}

// Bus is one registered bus and its devices.
type Bus struct {
	Manager BusManager
	Devices []*Device
}

// Registry holds the registered buses and drivers. Access is infrequent
// and never on a hot path, so a plain mutex suffices.
type Registry struct {
	mu      sync.Mutex
	buses   []*Bus
	drivers []Driver
}

func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterBus records a bus and immediately binds the best driver to each
// of its devices.
func (r *Registry) RegisterBus(mgr BusManager, devs []BusDevice) *Bus {
	r.mu.Lock()
	defer r.mu.Unlock()

	bus := &Bus{Manager: mgr}
	for _, d := range devs {
		bus.Devices = append(bus.Devices, &Device{
			Dev:      d,
			Instance: r.findDriver(mgr, d),
		})
	}
	r.buses = append(r.buses, bus)
	return bus
}

// RegisterDriver adds a driver to the candidate list. Devices already
// bound (or already rejected) are not revisited.
func (r *Registry) RegisterDriver(d Driver) {
	r.mu.Lock()
	r.drivers = append(r.drivers, d)
	r.mu.Unlock()
}

// findDriver picks the highest-ranked driver for dev and binds it. Ties go
// to the earliest-registered driver; that is an accident of iteration
// order, not a guarantee. Called with r.mu held.
func (r *Registry) findDriver(mgr BusManager, dev BusDevice) DriverInstance {
	bestRank := 0
	var best Driver
	for _, drv := range r.drivers {
		if drv.BusType() != mgr.BusType() {
			continue
		}
		if rank := drv.Handles(dev); rank > bestRank {
			best, bestRank = drv, rank
		}
	}
	if best == nil {
		return nil
	}
	inst, err := best.Bind(dev)
	if err != nil {
		log.Print("devmgr: bind ", mgr.BusType(), ":", dev.Addr(), " failed: ", err)
		return nil
	}
	return inst
}
