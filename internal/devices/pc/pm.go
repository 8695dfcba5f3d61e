package pc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pci"
)

const (
	// PMIOBase is where the power management register block is decoded.
	PMIOBase = 0xb000
	pmIOSize = 0x40

	smbusIOSize = 0x40

	piix4PMBA      = 0x40
	piix4PMREGMISC = 0x80
	piix4SMBBA     = 0x90
	piix4SMBHSTCFG = 0xd2

	// SMBusAddressLimit bounds 7-bit slave addresses.
	SMBusAddressLimit = 0x80
)

var ErrSMBusAddressInUse = errors.New("SMBus address already in use")

// SMBusDevice is a slave on the system management bus.
type SMBusDevice interface {
	ReadByteData(cmd uint8) uint8
	WriteByteData(cmd, value uint8)
}

// SMBus is the I2C-style management bus behind the power management
// function.
type SMBus struct {
	mu     sync.Mutex
	base   uint16
	slaves map[uint8]SMBusDevice
}

func newSMBus(base uint16) *SMBus {
	return &SMBus{base: base, slaves: make(map[uint8]SMBusDevice)}
}

func (b *SMBus) Base() uint16 { return b.base }

// Attach places dev at a 7-bit address.
func (b *SMBus) Attach(addr uint8, dev SMBusDevice) error {
	if addr >= SMBusAddressLimit {
		return fmt.Errorf("smbus: address 0x%x out of range", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.slaves[addr]; ok {
		return fmt.Errorf("smbus: address 0x%x: %w", addr, ErrSMBusAddressInUse)
	}
	b.slaves[addr] = dev
	return nil
}

// ReadByteData performs a read-byte-data transaction. Absent slaves read
// as 0xff.
func (b *SMBus) ReadByteData(addr, cmd uint8) uint8 {
	b.mu.Lock()
	dev, ok := b.slaves[addr]
	b.mu.Unlock()
	if !ok {
		return 0xff
	}
	return dev.ReadByteData(cmd)
}

// Addresses returns the populated slave addresses in order.
func (b *SMBus) Addresses() []uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint8, 0, len(b.slaves))
	for a := range b.slaves {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EEPROM is a byte-addressed SMBus memory such as a DIMM SPD chip.
type EEPROM struct {
	mu   sync.Mutex
	data []byte
}

// NewEEPROM wraps data, which the device keeps and updates in place.
func NewEEPROM(data []byte) *EEPROM {
	return &EEPROM{data: data}
}

func (e *EEPROM) ReadByteData(cmd uint8) uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(cmd) >= len(e.data) {
		return 0xff
	}
	return e.data[cmd]
}

func (e *EEPROM) WriteByteData(cmd, value uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(cmd) < len(e.data) {
		e.data[cmd] = value
	}
}

// PowerManagement is the PIIX4-compatible ACPI function with its SMBus
// controller.
type PowerManagement struct {
	base
	fn    *pci.Function
	smbus *SMBus
}

func (p *PowerManagement) Function() *pci.Function { return p.fn }
func (p *PowerManagement) SMBus() *SMBus           { return p.smbus }

func (p *PowerManagement) Resources() chipset.Resources {
	return chipset.Resources{Ports: []chipset.PortRange{
		{Base: PMIOBase, Count: pmIOSize},
		{Base: p.smbus.base, Count: smbusIOSize},
	}}
}

func newPowerManagement(bus *pci.Bus, devfn int, smbBase uint16) (*PowerManagement, error) {
	if bus == nil {
		return nil, fmt.Errorf("piix4-pm: no PCI bus")
	}
	if smbBase == 0 {
		return nil, fmt.Errorf("piix4-pm: SMBus base is zero")
	}
	fn, err := bus.Register("piix4-pm", devfn, pci.Header{
		VendorID:     0x8086,
		DeviceID:     0x7113,
		Revision:     0x03,
		Class:        0x06,
		Subclass:     0x80,
		InterruptPin: 1,
	})
	if err != nil {
		return nil, err
	}

	fn.WriteConfig(piix4PMBA, 4, PMIOBase|1)
	fn.SetConfigByte(piix4PMREGMISC, 0x01)
	fn.WriteConfig(piix4SMBBA, 4, uint32(smbBase)|1)
	fn.SetConfigByte(piix4SMBHSTCFG, 0x09)

	return &PowerManagement{
		base:  base{name: "piix4-pm"},
		fn:    fn,
		smbus: newSMBus(smbBase),
	}, nil
}
