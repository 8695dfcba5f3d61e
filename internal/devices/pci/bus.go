package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	// SlotCount is the number of device slots on the root bus.
	SlotCount = 32
	// FunctionsPerSlot is the number of functions a slot can expose.
	FunctionsPerSlot = 8

	// AutoDevFn asks the bus to pick the first free slot.
	AutoDevFn = -1

	configSpaceSize = 256
)

// Standard type 0 configuration header offsets.
const (
	regVendorID     = 0x00
	regDeviceID     = 0x02
	regCommand      = 0x04
	regRevision     = 0x08
	regProgIF       = 0x09
	regSubclass     = 0x0a
	regClass        = 0x0b
	regHeaderType   = 0x0e
	regBAR0         = 0x10
	regInterruptPin = 0x3d

	headerTypeMultiFunction = 0x80
)

var (
	ErrDevFnInUse = errors.New("device function already in use")
	ErrBusFull    = errors.New("no free PCI slot")
)

// DevFn packs a slot and function number.
func DevFn(slot, fn int) int { return slot<<3 | fn }

// Header describes the identity fields of a function.
type Header struct {
	VendorID     uint16
	DeviceID     uint16
	Revision     uint8
	Class        uint8
	Subclass     uint8
	ProgIF       uint8
	MultiFunc    bool
	InterruptPin uint8 // 0 none, 1..4 INTA..INTD
}

// Function is one device function on the bus.
type Function struct {
	mu sync.Mutex

	name   string
	devfn  uint8
	config [configSpaceSize]byte
	// readOnly marks bytes the guest cannot change.
	readOnly [configSpaceSize]bool
}

func (f *Function) Name() string { return f.name }
func (f *Function) DevFn() int   { return int(f.devfn) }
func (f *Function) Slot() int    { return int(f.devfn >> 3) }
func (f *Function) Func() int    { return int(f.devfn & 7) }

func (f *Function) VendorID() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return binary.LittleEndian.Uint16(f.config[regVendorID:])
}

func (f *Function) DeviceID() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return binary.LittleEndian.Uint16(f.config[regDeviceID:])
}

// ReadConfig reads size bytes (1, 2 or 4) at offset.
func (f *Function) ReadConfig(offset uint8, size int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var v uint32
	for i := 0; i < size && int(offset)+i < configSpaceSize; i++ {
		v |= uint32(f.config[int(offset)+i]) << (8 * i)
	}
	return v
}

// WriteConfig writes size bytes at offset, skipping read-only bytes.
func (f *Function) WriteConfig(offset uint8, size int, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := 0; i < size && int(offset)+i < configSpaceSize; i++ {
		f.writeByteLocked(int(offset)+i, byte(value>>(8*i)))
	}
}

func (f *Function) writeByteLocked(reg int, b byte) {
	if f.readOnly[reg] {
		return
	}
	f.config[reg] = b
}

// SetBAR programs a base address register from the device side.
func (f *Function) SetBAR(index int, addr uint32, io bool) error {
	if index < 0 || index > 5 {
		return fmt.Errorf("pci: %s: BAR index %d out of range", f.name, index)
	}
	if io {
		addr |= 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	binary.LittleEndian.PutUint32(f.config[regBAR0+4*index:], addr)
	return nil
}

// BAR returns the base address programmed in a BAR, without flag bits.
func (f *Function) BAR(index int) uint32 {
	v := f.ReadConfig(uint8(regBAR0+4*index), 4)
	if v&1 != 0 {
		return v &^ 0x3
	}
	return v &^ 0xf
}

// SetConfigByte sets a device-specific register at build time.
func (f *Function) SetConfigByte(reg uint8, v byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config[reg] = v
}

func (f *Function) setReadOnlyRange(start, end int) {
	for offset := start; offset <= end; offset++ {
		f.readOnly[offset] = true
	}
}

// Bus is the root PCI bus behind the host bridge.
type Bus struct {
	mu sync.Mutex

	name      string
	functions map[uint8]*Function
	// nextSlot is where the automatic slot search starts.
	nextSlot int
	pirq     [4]uint8
}

// NewBus builds an empty bus. PCI interrupt pins are routed onto the legacy
// lines given in pirq (PIRQA..PIRQD).
func NewBus(name string, pirq [4]uint8) *Bus {
	return &Bus{
		name:      name,
		functions: make(map[uint8]*Function),
		pirq:      pirq,
	}
}

func (b *Bus) Name() string { return b.name }

// Register adds a function at devfn, or at function 0 of the first free
// slot when devfn is AutoDevFn.
func (b *Bus) Register(name string, devfn int, hdr Header) (*Function, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if devfn == AutoDevFn {
		found := false
		for slot := b.nextSlot; slot < SlotCount; slot++ {
			if !b.slotUsedLocked(slot) {
				devfn = DevFn(slot, 0)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("pci: register %s: %w", name, ErrBusFull)
		}
	}
	if devfn < 0 || devfn >= SlotCount*FunctionsPerSlot {
		return nil, fmt.Errorf("pci: register %s: devfn 0x%x out of range", name, devfn)
	}
	if existing, ok := b.functions[uint8(devfn)]; ok {
		return nil, fmt.Errorf("pci: register %s at %02x.%d: held by %s: %w",
			name, devfn>>3, devfn&7, existing.name, ErrDevFnInUse)
	}

	f := &Function{name: name, devfn: uint8(devfn)}
	binary.LittleEndian.PutUint16(f.config[regVendorID:], hdr.VendorID)
	binary.LittleEndian.PutUint16(f.config[regDeviceID:], hdr.DeviceID)
	f.config[regRevision] = hdr.Revision
	f.config[regProgIF] = hdr.ProgIF
	f.config[regSubclass] = hdr.Subclass
	f.config[regClass] = hdr.Class
	if hdr.MultiFunc {
		f.config[regHeaderType] = headerTypeMultiFunction
	}
	f.config[regInterruptPin] = hdr.InterruptPin
	f.setReadOnlyRange(regVendorID, regDeviceID+1)
	f.setReadOnlyRange(regRevision, regClass)
	f.setReadOnlyRange(regHeaderType, regHeaderType)
	f.setReadOnlyRange(regInterruptPin, regInterruptPin)

	b.functions[uint8(devfn)] = f
	return f, nil
}

func (b *Bus) slotUsedLocked(slot int) bool {
	for fn := 0; fn < FunctionsPerSlot; fn++ {
		if _, ok := b.functions[uint8(DevFn(slot, fn))]; ok {
			return true
		}
	}
	return false
}

// NextFreeSlot returns the slot an automatic registration would take.
func (b *Bus) NextFreeSlot() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for slot := b.nextSlot; slot < SlotCount; slot++ {
		if !b.slotUsedLocked(slot) {
			return slot, true
		}
	}
	return 0, false
}

// Function returns the function at devfn.
func (b *Bus) Function(devfn int) (*Function, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.functions[uint8(devfn)]
	return f, ok
}

// Functions returns every function ordered by devfn.
func (b *Bus) Functions() []*Function {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Function, 0, len(b.functions))
	for devfn := 0; devfn < SlotCount*FunctionsPerSlot; devfn++ {
		if f, ok := b.functions[uint8(devfn)]; ok {
			out = append(out, f)
		}
	}
	return out
}

// IRQ returns the legacy line a function's interrupt pin is routed to.
func (b *Bus) IRQ(f *Function) (uint8, bool) {
	pin := f.ReadConfig(regInterruptPin, 1)
	if pin == 0 || pin > 4 {
		return 0, false
	}
	return b.pirq[(f.Slot()+int(pin)-1)&3], true
}
