package machine

import (
	"fmt"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/i8259"
	"github.com/tinyrange/ipf/internal/devices/pci"
)

// PCIInterruptRouting maps PIRQA..PIRQD onto legacy lines.
var PCIInterruptRouting = [4]uint8{10, 10, 11, 11}

// Bus is a handle devices attach through. PCI is nil for the legacy bus.
type Bus struct {
	Kind BusKind
	PCI  *pci.Bus
}

type fabric struct {
	pic   *i8259.Cascade
	isa   Bus
	pci   *Bus
	host  *pci.HostBridge
	piix3 *pci.PIIX3
}

// line returns the handle for a legacy IRQ.
func (f *fabric) line(irq uint8) chipset.LineInterrupt {
	return f.pic.Line(irq)
}

// buildFabric wires the interrupt cascade to the boot processor and, with
// PCI enabled, creates the root bus, host bridge and south bridge.
func (b *builder) buildFabric() error {
	if len(b.cpus) == 0 {
		return fmt.Errorf("interrupt controller: %w", ErrNoCPUs)
	}

	f := &fabric{
		pic: i8259.New(b.cpus[0].InterruptLine()),
		isa: Bus{Kind: BusISA},
	}
	if err := b.chipset.RegisterDevice("i8259", f.pic, f.pic.Resources()); err != nil {
		return err
	}

	if b.cfg.PCI {
		bus := pci.NewBus("pci.0", PCIInterruptRouting)
		host, err := pci.NewHostBridge(bus)
		if err != nil {
			return err
		}
		if err := b.chipset.RegisterDevice("i440fx", host, chipset.Resources{
			Ports: []chipset.PortRange{{Base: 0xcf8, Count: 8}},
		}); err != nil {
			return err
		}
		piix3, err := pci.NewPIIX3(bus, pci.AutoDevFn)
		if err != nil {
			return err
		}
		if err := b.chipset.RegisterDevice("piix3", piix3, chipset.Resources{}); err != nil {
			return err
		}

		f.pci = &Bus{Kind: BusPCI, PCI: bus}
		f.host = host
		f.piix3 = piix3
		f.pic.SetAltSink(nil)
		b.log.Debug("machine: PCI bus created", "southBridge", fmt.Sprintf("%02x.%d", piix3.Function().Slot(), piix3.Function().Func()))
	}

	b.fabric = f
	southDevFn := 0
	if f.piix3 != nil {
		southDevFn = f.piix3.DevFn()
	}
	b.resolver = NewResolver(b.cfg.PCI, southDevFn)
	return nil
}
