package pci

import "fmt"

// South-bridge function offsets from the ISA bridge.
const (
	PIIX3ISAFunc = 0
	PIIX3IDEFunc = 1
	PIIX3USBFunc = 2
	PIIX3PMFunc  = 3

	// PIIX3Slot is where the south bridge sits on the root bus.
	PIIX3Slot = 1

	piix3PIRQRoute = 0x60
)

// PIIX3 is the south-bridge companion chip. Only its ISA bridge function
// is created here; IDE, USB and power management functions are attached
// by their own device models at DevFn()+1, +2 and +3.
type PIIX3 struct {
	fn *Function
}

// NewPIIX3 registers the ISA bridge at devfn, or in the first free slot
// for AutoDevFn.
func NewPIIX3(bus *Bus, devfn int) (*PIIX3, error) {
	fn, err := bus.Register("piix3", devfn, Header{
		VendorID:  0x8086,
		DeviceID:  0x7000, // 82371SB PIIX3 ISA
		Class:     0x06,
		Subclass:  0x01, // ISA bridge
		MultiFunc: true,
	})
	if err != nil {
		return nil, fmt.Errorf("piix3: %w", err)
	}
	for i, irq := range bus.pirq {
		fn.SetConfigByte(uint8(piix3PIRQRoute+i), irq)
	}
	return &PIIX3{fn: fn}, nil
}

// DevFn returns the base function number of the chip.
func (p *PIIX3) DevFn() int { return p.fn.DevFn() }

func (p *PIIX3) Function() *Function { return p.fn }

// Reset implements chipset.Device.
func (p *PIIX3) Reset() error { return nil }
