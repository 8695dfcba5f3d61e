package chipset

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// Device is anything registered on the legacy port-mapped bus.
type Device interface {
	Reset() error
}

// PortRange is a contiguous block of I/O ports.
type PortRange struct {
	Base  uint16
	Count uint16
}

// Resources lists the legacy bus resources a device occupies.
type Resources struct {
	Ports []PortRange
	IRQs  []uint8
	// SharedIRQ marks the IRQ claims as shareable with other shared claims.
	SharedIRQ bool
}

// IOHandler is implemented by devices that serve guest port accesses.
type IOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}
