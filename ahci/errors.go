package ahci

import (
	"errors"
	"fmt"
)

// ErrUnsupported marks conditions the driver does not implement yet, such
// as DMA buffers that fail the alignment rules and would need a bounce
// buffer, or a port that will not return to idle before slot setup.
var ErrUnsupported = errors.New("ahci: not supported")

// BindError reports a failure during controller or port construction.
// Callers may retry the bind or skip the device.
type BindError struct {
	Port int // -1 when not port-specific
	Op   string
	Err  error
}

func (e *BindError) Error() string {
	if e.Port < 0 {
		return fmt.Sprintf("ahci: bind: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ahci: bind port %d: %s: %v", e.Port, e.Op, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// DeviceError is a hardware-reported command failure. The command is done;
// the slot was reclaimed; the request may be retried.
type DeviceError struct {
	Port int
	Slot int
	TFD  uint32
	SErr uint32
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("ahci: port %d slot %d: device error (tfd %#x serr %#x)",
		e.Port, e.Slot, e.TFD, e.SErr)
}

// ProtocolError indicates a violation of the driver's own discipline: a
// slot released while hardware still reports it active, or a completion
// wake with the command neither done nor errored. It denotes a driver bug,
// not a device fault.
type ProtocolError struct {
	Port   int
	Slot   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ahci: port %d slot %d: protocol violation: %s",
		e.Port, e.Slot, e.Reason)
}
