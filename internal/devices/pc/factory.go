package pc

import (
	"fmt"
	"io"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pci"
	"github.com/tinyrange/ipf/internal/hv"
)

// Factory constructs the standard peripheral models. Each method returns
// the device handle or an error; resource claims are left to the caller.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

// VGA builds a display adapter. A nil bus selects the ISA variant.
func (*Factory) VGA(bus *pci.Bus, model VGAModel, fb hv.RAMBlock, sink io.Writer) (*VGA, error) {
	return newVGA(bus, model, fb, sink)
}

// ISAIDE builds the legacy IDE interface number index.
func (*Factory) ISAIDE(index int, iobase, iobase2 uint16, irq uint8, line chipset.LineInterrupt, drives [DrivesPerChannel]*Drive) (*IDEChannel, error) {
	if iobase == 0 || iobase2 == 0 {
		return nil, fmt.Errorf("ide%d: missing I/O base", index)
	}
	return newIDEChannel(fmt.Sprintf("ide%d", index), iobase, iobase2, irq, line, drives), nil
}

// PCIIDE builds the PIIX3 IDE function at devfn.
func (*Factory) PCIIDE(bus *pci.Bus, devfn int, lines [2]chipset.LineInterrupt, drives [2 * DrivesPerChannel]*Drive) (*PCIIDE, error) {
	return newPCIIDE(bus, devfn, lines, drives)
}

// ISANE2000 builds an NE2000 adapter on the legacy bus.
func (*Factory) ISANE2000(port uint16, irq uint8, line chipset.LineInterrupt, cfg NICConfig) (*NIC, error) {
	return newISANE2000(port, irq, line, cfg)
}

// PCINIC builds a PCI network adapter for cfg.Model.
func (*Factory) PCINIC(bus *pci.Bus, devfn int, cfg NICConfig) (*NIC, error) {
	return newPCINIC(bus, devfn, cfg)
}

func (*Factory) Serial(port uint16, irq uint8, line chipset.LineInterrupt, backend io.Writer) (*Serial, error) {
	return newSerial(port, irq, line, backend), nil
}

func (*Factory) Parallel(port, count uint16, irq uint8, backend io.Writer) (*Parallel, error) {
	if count == 0 {
		return nil, fmt.Errorf("parallel@0x%x: empty port range", port)
	}
	return newParallel(port, count, irq, backend), nil
}

// USB builds the PIIX3 UHCI function at devfn.
func (*Factory) USB(bus *pci.Bus, devfn int) (*UHCI, error) {
	return newUHCI(bus, devfn)
}

// PowerManagement builds the ACPI function at devfn with its SMBus
// controller decoded at smbBase.
func (*Factory) PowerManagement(bus *pci.Bus, devfn int, smbBase uint16) (*PowerManagement, error) {
	return newPowerManagement(bus, devfn, smbBase)
}

func (*Factory) Keyboard(kbd, mouse chipset.LineInterrupt) (*Keyboard, error) {
	return newKeyboard(kbd, mouse), nil
}

func (*Factory) DMA(highPageEnable bool) (*DMA, error) {
	return newDMA(highPageEnable), nil
}

func (*Factory) Floppy(line chipset.LineInterrupt, dma int, drives [MaxFloppyDrives]*Drive) (*Floppy, error) {
	if dma < 0 || dma > 7 {
		return nil, fmt.Errorf("fdc: DMA channel %d out of range", dma)
	}
	return newFloppy(line, dma, drives), nil
}

// SoundCard builds the named card. PCI cards take the first free slot.
func (*Factory) SoundCard(bus *pci.Bus, model string) (*SoundCard, error) {
	return newSoundCard(bus, model)
}
