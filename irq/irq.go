// Package irq routes hardware interrupt lines to bound handlers.
//
// Lines are shared: every handler bound to a line runs on each assertion
// and reports whether its device actually raised the interrupt.
package irq

import "sync"

// Handler services one assertion of an interrupt line. It returns true if
// its device was responsible. Handlers run in interrupt context: they must
// not block or allocate.
type Handler func() bool

// Dispatcher owns the line-to-handler bindings for one interrupt domain.
type Dispatcher struct {
	mu    sync.RWMutex
	lines map[uint][]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{lines: make(map[uint][]Handler)}
}

// Bind attaches h to line. The handler stays bound for the life of the
// dispatcher; devices are never unbound in normal operation.
func (d *Dispatcher) Bind(line uint, h Handler) {
	d.mu.Lock()
	d.lines[line] = append(d.lines[line], h)
	d.mu.Unlock()
}

// Assert delivers one assertion of line to every bound handler and reports
// whether any of them claimed it. A false return with handlers bound
// indicates a spurious interrupt.
func (d *Dispatcher) Assert(line uint) bool {
	d.mu.RLock()
	hs := d.lines[line]
	d.mu.RUnlock()

	claimed := false
	for _, h := range hs {
		if h() {
			claimed = true
		}
	}
	return claimed
}
