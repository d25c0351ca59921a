package devmgr

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeBus struct{ typ string }

func (b fakeBus) BusType() string     { return b.typ }
func (b fakeBus) AttrNames() []string { return []string{"class"} }

type fakeDevice struct {
	addr  uint32
	class uint32
	power bool
}

func (d *fakeDevice) Addr() uint32 { return d.addr }
func (d *fakeDevice) Attr(name string) uint32 {
	if name == "class" {
		return d.class
	}
	return 0
}
func (d *fakeDevice) SetPower(on bool)     { d.power = on }
func (d *fakeDevice) BindIO(int) IOBinding { return nil }

type fakeDriver struct {
	name    string
	typ     string
	rank    int
	bindErr error
	bound   []BusDevice
}

func (d *fakeDriver) BusType() string       { return d.typ }
func (d *fakeDriver) Handles(BusDevice) int { return d.rank }
func (d *fakeDriver) Bind(dev BusDevice) (DriverInstance, error) {
	if d.bindErr != nil {
		return nil, d.bindErr
	}
	d.bound = append(d.bound, dev)
	return d.name, nil
}

var _ = Describe("Registry", func() {
	var r *Registry

	BeforeEach(func() {
		r = NewRegistry()
	})

	It("binds the highest-ranked driver", func() {
		d1 := &fakeDriver{name: "d1", typ: "x", rank: 5}
		d2 := &fakeDriver{name: "d2", typ: "x", rank: 10}
		r.RegisterDriver(d1)
		r.RegisterDriver(d2)

		bus := r.RegisterBus(fakeBus{typ: "x"}, []BusDevice{&fakeDevice{addr: 1}})
		Expect(bus.Devices).To(HaveLen(1))
		Expect(bus.Devices[0].Instance).To(Equal("d2"))
		Expect(d1.bound).To(BeEmpty())
	})

	It("resolves rank ties to the first-registered driver", func() {
		// First-registered-wins is observed behaviour, not a
		// committed guarantee.
		d1 := &fakeDriver{name: "d1", typ: "x", rank: 5}
		d2 := &fakeDriver{name: "d2", typ: "x", rank: 5}
		r.RegisterDriver(d1)
		r.RegisterDriver(d2)

		bus := r.RegisterBus(fakeBus{typ: "x"}, []BusDevice{&fakeDevice{}})
		Expect(bus.Devices[0].Instance).To(Equal("d1"))
	})

	It("treats rank zero as cannot-drive", func() {
		d := &fakeDriver{name: "d", typ: "x", rank: 0}
		r.RegisterDriver(d)

		bus := r.RegisterBus(fakeBus{typ: "x"}, []BusDevice{&fakeDevice{}})
		Expect(bus.Devices[0].Instance).To(BeNil())
	})

	It("ignores drivers for other bus types", func() {
		d := &fakeDriver{name: "d", typ: "y", rank: 10}
		r.RegisterDriver(d)

		bus := r.RegisterBus(fakeBus{typ: "x"}, []BusDevice{&fakeDevice{}})
		Expect(bus.Devices[0].Instance).To(BeNil())
	})

	It("does not rebind devices when a driver registers late", func() {
		bus := r.RegisterBus(fakeBus{typ: "x"}, []BusDevice{&fakeDevice{}})
		Expect(bus.Devices[0].Instance).To(BeNil())

		r.RegisterDriver(&fakeDriver{name: "late", typ: "x", rank: 10})
		Expect(bus.Devices[0].Instance).To(BeNil())
	})

	It("leaves a device unbound when bind fails", func() {
		d := &fakeDriver{name: "d", typ: "x", rank: 1, bindErr: errors.New("no irq")}
		r.RegisterDriver(d)

		bus := r.RegisterBus(fakeBus{typ: "x"}, []BusDevice{&fakeDevice{}})
		Expect(bus.Devices[0].Instance).To(BeNil())
	})
})

var _ = Describe("MemIO", func() {
	It("reads back written registers", func() {
		io := NewMemIO(make([]uint32, 0x40))
		io.Write32(0x18, 0xDEADBEEF)
		Expect(io.Read32(0x18)).To(Equal(uint32(0xDEADBEEF)))
		Expect(io.Read32(0x1C)).To(BeZero())
	})

	It("panics on misaligned access", func() {
		io := NewMemIO(make([]uint32, 4))
		Expect(func() { io.Read32(2) }).To(Panic())
	})
})
