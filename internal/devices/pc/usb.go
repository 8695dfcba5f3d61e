package pc

import (
	"fmt"

	"github.com/tinyrange/ipf/internal/devices/pci"
)

// UHCI is the PIIX3 USB host controller function.
type UHCI struct {
	base
	fn *pci.Function
}

func (u *UHCI) Function() *pci.Function { return u.fn }

func newUHCI(bus *pci.Bus, devfn int) (*UHCI, error) {
	if bus == nil {
		return nil, fmt.Errorf("piix3-usb: no PCI bus")
	}
	fn, err := bus.Register("piix3-usb-uhci", devfn, pci.Header{
		VendorID:     0x8086,
		DeviceID:     0x7020,
		Class:        0x0c,
		Subclass:     0x03,
		InterruptPin: 4,
	})
	if err != nil {
		return nil, err
	}
	if err := fn.SetBAR(4, 0xc020, true); err != nil {
		return nil, err
	}
	return &UHCI{base: base{name: "piix3-usb-uhci"}, fn: fn}, nil
}
