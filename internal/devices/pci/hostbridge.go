package pci

import (
	"fmt"
)

const (
	pciConfigAddressPort = 0x0cf8
	pciConfigDataPort    = 0x0cfc

	i440fxPAM0         = 0x59
	i440fxPAMLen       = 7
	i440fxSMRAM        = 0x72
	i440fxSMRAMDefault = 0x02
)

// PAMMode is how a shadow segment below 1 MiB is decoded.
type PAMMode uint8

const (
	PAMToPCI PAMMode = iota
	PAMReadRAM
	PAMWriteRAM
	PAMReadWriteRAM
)

func (m PAMMode) String() string {
	switch m {
	case PAMToPCI:
		return "pci"
	case PAMReadRAM:
		return "ro"
	case PAMWriteRAM:
		return "wo"
	default:
		return "rw"
	}
}

// PAMSegment is one programmable attribute map window.
type PAMSegment struct {
	Base uint64
	Size uint64
	Mode PAMMode
}

// HostBridge is the i440FX root complex. It owns devfn 00.0 and serves
// configuration mechanism #1 through ports 0xCF8-0xCFF.
type HostBridge struct {
	bus     *Bus
	fn      *Function
	address uint32

	segments []PAMSegment
}

// NewHostBridge registers the host bridge function on bus.
func NewHostBridge(bus *Bus) (*HostBridge, error) {
	fn, err := bus.Register("i440fx", DevFn(0, 0), Header{
		VendorID: 0x8086,
		DeviceID: 0x1237, // 82441FX
		Revision: 0x02,
		Class:    0x06, // bridge
		Subclass: 0x00, // host bridge
	})
	if err != nil {
		return nil, fmt.Errorf("pci host bridge: %w", err)
	}
	fn.SetConfigByte(i440fxSMRAM, i440fxSMRAMDefault)
	return &HostBridge{bus: bus, fn: fn}, nil
}

func (hb *HostBridge) Bus() *Bus           { return hb.bus }
func (hb *HostBridge) Function() *Function { return hb.fn }

// Reset implements chipset.Device.
func (hb *HostBridge) Reset() error {
	hb.address = 0
	return nil
}

// IOPorts lists the configuration mechanism ports.
func (hb *HostBridge) IOPorts() []uint16 {
	return []uint16{
		0x0cf8, 0x0cf9, 0x0cfa, 0x0cfb,
		0x0cfc, 0x0cfd, 0x0cfe, 0x0cff,
	}
}

// ReadIOPort serves guest reads of the address and data registers.
func (hb *HostBridge) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			data[i] = byte(hb.address >> shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			data[i] = hb.readConfigByte(cur - pciConfigDataPort)
		default:
			return fmt.Errorf("pci host bridge: unhandled read from I/O port 0x%04x", cur)
		}
	}
	return nil
}

// WriteIOPort serves guest writes of the address and data registers.
func (hb *HostBridge) WriteIOPort(port uint16, data []byte) error {
	for i, b := range data {
		cur := port + uint16(i)
		switch {
		case cur >= pciConfigAddressPort && cur <= pciConfigAddressPort+3:
			shift := (cur - pciConfigAddressPort) * 8
			mask := uint32(0xFF) << shift
			hb.address = (hb.address &^ mask) | (uint32(b) << shift)
		case cur >= pciConfigDataPort && cur <= pciConfigDataPort+3:
			hb.writeConfigByte(cur-pciConfigDataPort, b)
		default:
			return fmt.Errorf("pci host bridge: unhandled write to I/O port 0x%04x", cur)
		}
	}
	return nil
}

func (hb *HostBridge) readConfigByte(offset uint16) byte {
	fn, reg, ok := hb.configTarget(offset)
	if !ok {
		return 0xFF
	}
	return byte(fn.ReadConfig(reg, 1))
}

func (hb *HostBridge) writeConfigByte(offset uint16, value byte) {
	fn, reg, ok := hb.configTarget(offset)
	if !ok {
		return
	}
	fn.WriteConfig(reg, 1, uint32(value))
	if fn == hb.fn && reg >= i440fxPAM0 && reg < i440fxPAM0+i440fxPAMLen {
		hb.InitMemoryMappings()
	}
}

func (hb *HostBridge) configTarget(offset uint16) (*Function, uint8, bool) {
	if hb.address&(1<<31) == 0 {
		return nil, 0, false
	}
	if (hb.address>>16)&0xFF != 0 {
		return nil, 0, false
	}
	devfn := int((hb.address >> 8) & 0xFF)
	fn, ok := hb.bus.Function(devfn)
	if !ok {
		return nil, 0, false
	}
	return fn, uint8((hb.address & 0xFC) + uint32(offset)), true
}

// InitMemoryMappings recomputes the shadow segments between 768 KiB and
// 1 MiB from the PAM registers. PAM0's high nibble covers the 64 KiB BIOS
// area at 0xF0000; every other nibble covers 16 KiB.
func (hb *HostBridge) InitMemoryMappings() []PAMSegment {
	segs := []PAMSegment{{
		Base: 0xf0000,
		Size: 0x10000,
		Mode: PAMMode(hb.fn.ReadConfig(i440fxPAM0, 1)>>4&3),
	}}
	for i := 0; i < 12; i++ {
		reg := hb.fn.ReadConfig(uint8(i440fxPAM0+1+i/2), 1)
		shift := uint(i&1) * 4
		segs = append(segs, PAMSegment{
			Base: 0xc0000 + uint64(i)*0x4000,
			Size: 0x4000,
			Mode: PAMMode(reg>>shift&3),
		})
	}
	hb.segments = segs
	return segs
}

// Segments returns the last computed PAM layout.
func (hb *HostBridge) Segments() []PAMSegment {
	return append([]PAMSegment(nil), hb.segments...)
}
