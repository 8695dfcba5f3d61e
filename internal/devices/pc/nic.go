package pc

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pci"
)

// NIC models with a dedicated attachment path.
const (
	NICModelNE2000ISA = "ne2k_isa"
	NICModelNE2000PCI = "ne2k_pci"
)

// NICConfig is one guest network adapter request.
type NICConfig struct {
	Model string
	MAC   net.HardwareAddr
	VLAN  int
}

// NIC is an attached network adapter.
type NIC struct {
	base
	cfg  NICConfig
	port uint16
	irq  uint8
	line chipset.LineInterrupt
	fn   *pci.Function
}

func (n *NIC) Model() string           { return n.cfg.Model }
func (n *NIC) MAC() net.HardwareAddr   { return n.cfg.MAC }
func (n *NIC) Function() *pci.Function { return n.fn }

func (n *NIC) Resources() chipset.Resources {
	if n.fn != nil {
		return chipset.Resources{}
	}
	return chipset.Resources{
		Ports: []chipset.PortRange{
			{Base: n.port, Count: 0x10},     // DP8390 registers
			{Base: n.port + 0x10, Count: 2}, // remote DMA data
			{Base: n.port + 0x1f, Count: 1}, // reset
		},
		IRQs: []uint8{n.irq},
	}
}

func (n *NIC) Reset() error {
	if n.line != nil {
		n.line.SetLevel(false)
	}
	return nil
}

func newISANE2000(port uint16, irq uint8, line chipset.LineInterrupt, cfg NICConfig) (*NIC, error) {
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("ne2k_isa: invalid MAC %q", cfg.MAC)
	}
	return &NIC{
		base: base{name: fmt.Sprintf("ne2k_isa@0x%x", port)},
		cfg:  cfg,
		port: port,
		irq:  irq,
		line: line,
	}, nil
}

var pciNICs = map[string]pci.Header{
	NICModelNE2000PCI: {VendorID: 0x10ec, DeviceID: 0x8029},
	"rtl8139":         {VendorID: 0x10ec, DeviceID: 0x8139},
	"pcnet":           {VendorID: 0x1022, DeviceID: 0x2000},
	"e1000":           {VendorID: 0x8086, DeviceID: 0x100e},
	"i82557b":         {VendorID: 0x8086, DeviceID: 0x1229},
}

// PCINICModels lists the models the generic PCI attachment understands.
func PCINICModels() []string {
	out := make([]string, 0, len(pciNICs))
	for m := range pciNICs {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func newPCINIC(bus *pci.Bus, devfn int, cfg NICConfig) (*NIC, error) {
	if bus == nil {
		return nil, fmt.Errorf("pci nic %q: no PCI bus", cfg.Model)
	}
	hdr, ok := pciNICs[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("pci nic %q (supported: %s): %w",
			cfg.Model, strings.Join(PCINICModels(), ", "), ErrUnsupportedModel)
	}
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("%s: invalid MAC %q", cfg.Model, cfg.MAC)
	}
	hdr.Class = 0x02
	hdr.InterruptPin = 1

	fn, err := bus.Register(cfg.Model, devfn, hdr)
	if err != nil {
		return nil, err
	}
	return &NIC{
		base: base{name: fmt.Sprintf("%s@%02x.%d", cfg.Model, fn.Slot(), fn.Func())},
		cfg:  cfg,
		fn:   fn,
	}, nil
}
