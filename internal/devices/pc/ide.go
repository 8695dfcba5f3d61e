package pc

import (
	"fmt"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pci"
)

// DrivesPerChannel is the master/slave pair on one IDE cable.
const DrivesPerChannel = 2

// IDEChannel is one legacy IDE interface.
type IDEChannel struct {
	base
	iobase  uint16
	iobase2 uint16
	irq     uint8
	line    chipset.LineInterrupt
	drives  [DrivesPerChannel]*Drive
}

func (c *IDEChannel) Drives() [DrivesPerChannel]*Drive { return c.drives }

// Attached reports how many drives are present.
func (c *IDEChannel) Attached() int {
	n := 0
	for _, d := range c.drives {
		if d.present() {
			n++
		}
	}
	return n
}

func (c *IDEChannel) Resources() chipset.Resources {
	return chipset.Resources{
		Ports: []chipset.PortRange{
			{Base: c.iobase, Count: 8},
			{Base: c.iobase2, Count: 1},
		},
		IRQs: []uint8{c.irq},
	}
}

func (c *IDEChannel) Reset() error {
	c.line.SetLevel(false)
	return nil
}

func newIDEChannel(name string, iobase, iobase2 uint16, irq uint8, line chipset.LineInterrupt, drives [DrivesPerChannel]*Drive) *IDEChannel {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	return &IDEChannel{
		base:    base{name: name},
		iobase:  iobase,
		iobase2: iobase2,
		irq:     irq,
		line:    line,
		drives:  drives,
	}
}

// PCIIDE is the PIIX3 bus-master IDE function. Both channels stay in
// compatibility mode and decode the legacy ports and lines.
type PCIIDE struct {
	base
	fn       *pci.Function
	channels [2]*IDEChannel
}

func (p *PCIIDE) Function() *pci.Function  { return p.fn }
func (p *PCIIDE) Channels() [2]*IDEChannel { return p.channels }

func (p *PCIIDE) Reset() error {
	for _, c := range p.channels {
		if err := c.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Resources covers both compatibility channels.
func (p *PCIIDE) Resources() chipset.Resources {
	var res chipset.Resources
	for _, c := range p.channels {
		r := c.Resources()
		res.Ports = append(res.Ports, r.Ports...)
		res.IRQs = append(res.IRQs, r.IRQs...)
	}
	return res
}

func newPCIIDE(bus *pci.Bus, devfn int, lines [2]chipset.LineInterrupt, drives [2 * DrivesPerChannel]*Drive) (*PCIIDE, error) {
	if bus == nil {
		return nil, fmt.Errorf("piix3-ide: no PCI bus")
	}
	fn, err := bus.Register("piix3-ide", devfn, pci.Header{
		VendorID: 0x8086,
		DeviceID: 0x7010,
		Class:    0x01,
		Subclass: 0x01,
		ProgIF:   0x80,
	})
	if err != nil {
		return nil, err
	}
	// Bus-master registers live in BAR4.
	if err := fn.SetBAR(4, 0xc000, true); err != nil {
		return nil, err
	}
	return &PCIIDE{
		base: base{name: "piix3-ide"},
		fn:   fn,
		channels: [2]*IDEChannel{
			newIDEChannel("piix3-ide.0", 0x1f0, 0x3f6, 14, lines[0], [DrivesPerChannel]*Drive{drives[0], drives[1]}),
			newIDEChannel("piix3-ide.1", 0x170, 0x376, 15, lines[1], [DrivesPerChannel]*Drive{drives[2], drives[3]}),
		},
	}, nil
}
