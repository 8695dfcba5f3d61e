package machine

import (
	"fmt"
	"strings"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pc"
	"github.com/tinyrange/ipf/internal/devices/pci"
)

// attachDevices places every peripheral on the bus its resolution selects.
// It needs the fabric; every handle it passes on was built earlier.
func (b *builder) attachDevices() error {
	if b.fabric == nil || b.resolver == nil {
		return ErrFabricNotReady
	}

	steps := []func() error{
		b.attachDisplay,
		b.attachSerial,
		b.attachParallel,
		b.attachNICs,
		b.attachStorage,
		b.attachLegacy,
		b.attachSound,
		b.attachFloppy,
		b.attachUSB,
		b.attachPowerManagement,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// add claims the legacy resources of dev and records it.
func (b *builder) add(dev pc.Device) error {
	info := DeviceInfo{Name: dev.Name(), Bus: BusISA, DevFn: -1, PCIIRQ: -1}

	var res chipset.Resources
	if isa, ok := dev.(pc.ISADevice); ok {
		res = isa.Resources()
	}
	if err := b.chipset.RegisterDevice(dev.Name(), dev, res); err != nil {
		return err
	}
	info.Ports = res.Ports
	info.IRQs = res.IRQs

	if p, ok := dev.(pc.PCIDevice); ok && p.Function() != nil {
		fn := p.Function()
		info.Bus = BusPCI
		info.DevFn = fn.DevFn()
		if irq, ok := b.fabric.pci.PCI.IRQ(fn); ok {
			info.PCIIRQ = int(irq)
		}
	}

	b.devices = append(b.devices, dev)
	b.info = append(b.info, info)
	b.log.Debug("machine: attached", "device", info.Name, "bus", info.Bus)
	return nil
}

func (b *builder) pciBus() *pci.Bus {
	if b.fabric.pci == nil {
		return nil
	}
	return b.fabric.pci.PCI
}

func unsupported(class DeviceClass, u Unsupported, sentinel error) error {
	if len(u.Supported) == 0 {
		return fmt.Errorf("%s %q: %w", class, u.Model, sentinel)
	}
	return fmt.Errorf("%s %q (supported: %s): %w", class, u.Model, strings.Join(u.Supported, ", "), sentinel)
}

func (b *builder) attachDisplay() error {
	res := b.resolver.Resolve(ClassDisplay, DeviceSpec{Model: string(b.cfg.VGA)})
	r, ok := res.(Resolved)
	if !ok {
		if u, ok := res.(Unsupported); ok {
			return unsupported(ClassDisplay, u, ErrUnsupportedDevice)
		}
		return fmt.Errorf("display: unexpected resolution %T", res)
	}

	fb, ok := b.blocks[PurposeFramebuffer]
	if !ok {
		return fmt.Errorf("display: no framebuffer planned")
	}
	var bus *pci.Bus
	if r.Bus == BusPCI {
		bus = b.pciBus()
	}
	vga, err := b.env.Devices.VGA(bus, pc.VGAModel(r.Model), fb, b.env.Display)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}
	if err := b.add(vga); err != nil {
		return err
	}

	window := vga.Framebuffer()
	if err := b.mapRange(PurposeFramebuffer.String(), window.Base, fb); err != nil {
		return err
	}
	for i := range b.regions {
		if b.regions[i].Purpose == PurposeFramebuffer {
			b.regions[i].Base = window.Base
		}
	}
	return nil
}

func (b *builder) attachSerial() error {
	for i, backend := range b.cfg.Serial {
		r, ok := b.resolver.Resolve(ClassSerial, DeviceSpec{Instance: i}).(Resolved)
		if !ok {
			return fmt.Errorf("serial %d: %w", i, ErrInstanceOutOfRange)
		}
		dev, err := b.env.Devices.Serial(r.Slot.Port, r.Slot.IRQ, b.fabric.line(r.Slot.IRQ), backend)
		if err != nil {
			return fmt.Errorf("serial %d: %w", i, err)
		}
		if err := b.add(dev); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) attachParallel() error {
	for i, backend := range b.cfg.Parallel {
		r, ok := b.resolver.Resolve(ClassParallel, DeviceSpec{Instance: i}).(Resolved)
		if !ok {
			return fmt.Errorf("parallel %d: %w", i, ErrInstanceOutOfRange)
		}
		dev, err := b.env.Devices.Parallel(r.Slot.Port, r.Slot.Count, r.Slot.IRQ, backend)
		if err != nil {
			return fmt.Errorf("parallel %d: %w", i, err)
		}
		if err := b.add(dev); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) attachNICs() error {
	for i, nic := range b.cfg.NICs {
		if nic.Model == "?" {
			fmt.Fprintf(b.env.Output, "Supported ISA NICs: %s\n", pc.NICModelNE2000ISA)
		}

		var (
			dev *pc.NIC
			err error
		)
		switch r := b.resolver.Resolve(ClassNIC, DeviceSpec{Model: nic.Model, Instance: i}).(type) {
		case Resolved:
			cfg := nic
			cfg.Model = r.Model
			if r.Bus == BusISA {
				dev, err = b.env.Devices.ISANE2000(r.Slot.Port, r.Slot.IRQ, b.fabric.line(r.Slot.IRQ), cfg)
			} else {
				dev, err = b.env.Devices.PCINIC(b.pciBus(), r.DevFn, cfg)
			}
		case AmbiguousFallback:
			b.log.Warn("machine: unknown NIC model, trying generic PCI attachment", "nic", i, "model", r.Model)
			dev, err = b.env.Devices.PCINIC(b.pciBus(), pci.AutoDevFn, nic)
		case Dropped:
			b.log.Debug("machine: NIC skipped", "nic", i, "model", r.Model, "reason", r.Reason)
			continue
		case Unsupported:
			return unsupported(ClassNIC, r, ErrUnsupportedNIC)
		default:
			return fmt.Errorf("nic %d: unexpected resolution %T", i, r)
		}
		if err != nil {
			return fmt.Errorf("nic %d: %w", i, err)
		}
		if err := b.add(dev); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) attachStorage() error {
	var drives [MaxDrives]*pc.Drive
	for i := range b.cfg.Drives {
		drives[i] = &b.cfg.Drives[i]
	}

	if b.cfg.PCI {
		r, ok := b.resolver.Resolve(ClassStorage, DeviceSpec{}).(Resolved)
		if !ok {
			return fmt.Errorf("storage: no PCI placement")
		}
		lines := [2]chipset.LineInterrupt{b.fabric.line(14), b.fabric.line(15)}
		ide, err := b.env.Devices.PCIIDE(b.pciBus(), r.DevFn, lines, drives)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		return b.add(ide)
	}

	for i := 0; i < ideTable.Len(); i++ {
		r, ok := b.resolver.Resolve(ClassStorage, DeviceSpec{Instance: i}).(Resolved)
		if !ok {
			return fmt.Errorf("storage channel %d: %w", i, ErrInstanceOutOfRange)
		}
		pair := [pc.DrivesPerChannel]*pc.Drive{drives[2*i], drives[2*i+1]}
		ch, err := b.env.Devices.ISAIDE(i, r.Slot.Port, r.Slot.AltPort, r.Slot.IRQ, b.fabric.line(r.Slot.IRQ), pair)
		if err != nil {
			return fmt.Errorf("storage channel %d: %w", i, err)
		}
		if err := b.add(ch); err != nil {
			return err
		}
	}
	return nil
}

// attachLegacy adds the keyboard controller and the DMA controllers every
// PC has.
func (b *builder) attachLegacy() error {
	kbd, err := b.env.Devices.Keyboard(b.fabric.line(pc.KeyboardIRQ), b.fabric.line(pc.MouseIRQ))
	if err != nil {
		return fmt.Errorf("keyboard: %w", err)
	}
	if err := b.add(kbd); err != nil {
		return err
	}
	dma, err := b.env.Devices.DMA(false)
	if err != nil {
		return fmt.Errorf("dma: %w", err)
	}
	return b.add(dma)
}

func (b *builder) attachSound() error {
	for _, model := range b.cfg.Sound {
		switch r := b.resolver.Resolve(ClassSound, DeviceSpec{Model: model}).(type) {
		case Resolved:
			var bus *pci.Bus
			if r.Bus == BusPCI {
				bus = b.pciBus()
			}
			card, err := b.env.Devices.SoundCard(bus, r.Model)
			if err != nil {
				return fmt.Errorf("sound: %w", err)
			}
			if err := b.add(card); err != nil {
				return err
			}
		case Dropped:
			b.log.Debug("machine: sound card skipped", "model", r.Model, "reason", r.Reason)
		case Unsupported:
			return unsupported(ClassSound, r, ErrUnsupportedDevice)
		}
	}
	return nil
}

func (b *builder) attachFloppy() error {
	var drives [pc.MaxFloppyDrives]*pc.Drive
	for i := range b.cfg.Floppies {
		drives[i] = &b.cfg.Floppies[i]
	}
	fdc, err := b.env.Devices.Floppy(b.fabric.line(pc.FloppyIRQ), pc.FloppyDMA, drives)
	if err != nil {
		return fmt.Errorf("floppy: %w", err)
	}
	b.floppy = fdc
	return b.add(fdc)
}

func (b *builder) attachUSB() error {
	if !b.cfg.USB {
		return nil
	}
	r, ok := b.resolver.Resolve(ClassUSB, DeviceSpec{}).(Resolved)
	if !ok {
		b.log.Debug("machine: USB needs PCI, skipped")
		return nil
	}
	uhci, err := b.env.Devices.USB(b.pciBus(), r.DevFn)
	if err != nil {
		return fmt.Errorf("usb: %w", err)
	}
	return b.add(uhci)
}

// attachPowerManagement adds the ACPI function and describes the installed
// memory through SPD EEPROMs on its SMBus.
func (b *builder) attachPowerManagement() error {
	if !b.cfg.ACPI {
		return nil
	}
	r, ok := b.resolver.Resolve(ClassPowerManagement, DeviceSpec{}).(Resolved)
	if !ok {
		b.log.Debug("machine: ACPI needs PCI, skipped")
		return nil
	}
	pm, err := b.env.Devices.PowerManagement(b.pciBus(), r.DevFn, SMBusBase)
	if err != nil {
		return fmt.Errorf("power management: %w", err)
	}
	if err := b.add(pm); err != nil {
		return err
	}

	b.spd = make([]byte, SPDSockets*pc.SPDSize)
	sizes := pc.ModuleSizes(b.cfg.RAMSize, SPDSockets)
	for i := 0; i < SPDSockets; i++ {
		chunk := b.spd[i*pc.SPDSize : (i+1)*pc.SPDSize]
		copy(chunk, pc.SPD(sizes[i]))
		if err := pm.SMBus().Attach(uint8(SPDBaseAddress+i), pc.NewEEPROM(chunk)); err != nil {
			return fmt.Errorf("power management: %w", err)
		}
	}
	b.smbus = pm.SMBus()
	return nil
}
