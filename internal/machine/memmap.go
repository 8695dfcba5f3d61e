package machine

import (
	"fmt"

	"github.com/tinyrange/ipf/internal/hv"
)

const (
	// SplitThreshold caps low RAM below the PCI hole.
	SplitThreshold = 0xc0000000
	// HighMemoryBase is where RAM above the split continues.
	HighMemoryBase = 0x100000000

	FirmwareWindowSize = 16 << 20
	FirmwareWindowBase = HighMemoryBase - FirmwareWindowSize

	// PlatformInfoSize is the hand-off block reserved below the firmware.
	PlatformInfoSize = 0x10000
	PlatformInfoBase = FirmwareWindowBase - PlatformInfoSize
)

// Purpose tags a planned memory region.
type Purpose int

const (
	PurposeMainRAM Purpose = iota
	PurposeExtendedRAM
	PurposeFramebuffer
	PurposePlatformInfo
	PurposeFirmware
)

func (p Purpose) String() string {
	switch p {
	case PurposeMainRAM:
		return "main-ram"
	case PurposeExtendedRAM:
		return "extended-ram"
	case PurposeFramebuffer:
		return "framebuffer"
	case PurposePlatformInfo:
		return "platform-info"
	case PurposeFirmware:
		return "firmware"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// IsRAM reports whether the region is general guest RAM.
func (p Purpose) IsRAM() bool {
	return p == PurposeMainRAM || p == PurposeExtendedRAM
}

// MemoryRegion is one planned range. A DeviceMapped region only reserves
// its size; the owning device decides the base when it attaches.
type MemoryRegion struct {
	Base         uint64
	Size         uint64
	Purpose      Purpose
	DeviceMapped bool
}

func (r MemoryRegion) Range() hv.Range { return hv.Range{Base: r.Base, Size: r.Size} }

func (r MemoryRegion) String() string {
	if r.DeviceMapped {
		return fmt.Sprintf("%s (device mapped, 0x%x bytes)", r.Purpose, r.Size)
	}
	return fmt.Sprintf("%s %s", r.Purpose, r.Range())
}

// Plan is the ordered, validated memory map of a machine.
type Plan struct {
	regions []MemoryRegion
}

// Regions returns a copy of the planned regions in creation order.
func (p Plan) Regions() []MemoryRegion {
	return append([]MemoryRegion(nil), p.regions...)
}

// Region returns the first region with the given purpose.
func (p Plan) Region(purpose Purpose) (MemoryRegion, bool) {
	for _, r := range p.regions {
		if r.Purpose == purpose {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

// RAM returns the general RAM regions.
func (p Plan) RAM() []MemoryRegion {
	var out []MemoryRegion
	for _, r := range p.regions {
		if r.Purpose.IsRAM() {
			out = append(out, r)
		}
	}
	return out
}

// Validate rejects empty and overlapping placed regions.
func (p Plan) Validate() error {
	for i, a := range p.regions {
		if a.Size == 0 {
			return fmt.Errorf("memory map: %s region is empty", a.Purpose)
		}
		if a.DeviceMapped {
			continue
		}
		for _, b := range p.regions[i+1:] {
			if !b.DeviceMapped && a.Range().Overlaps(b.Range()) {
				return fmt.Errorf("memory map: %s overlaps %s: %w", a, b, hv.ErrRegionOverlap)
			}
		}
	}
	return nil
}

// PlanMemory lays out ram bytes of guest RAM and a framebuffer of fbSize
// bytes. RAM at or above SplitThreshold continues at HighMemoryBase. The
// firmware window and the hand-off block below it exist only for the
// hardware backend.
func PlanMemory(ram, fbSize uint64, accel hv.AccelKind) (Plan, error) {
	if ram == 0 {
		return Plan{}, ErrZeroRAM
	}

	var p Plan
	low, high := ram, uint64(0)
	if ram >= SplitThreshold {
		low, high = SplitThreshold, ram-SplitThreshold
	}
	p.regions = append(p.regions, MemoryRegion{Base: 0, Size: low, Purpose: PurposeMainRAM})
	if high > 0 {
		p.regions = append(p.regions, MemoryRegion{Base: HighMemoryBase, Size: high, Purpose: PurposeExtendedRAM})
	}

	if fbSize > 0 {
		p.regions = append(p.regions, MemoryRegion{Size: fbSize, Purpose: PurposeFramebuffer, DeviceMapped: true})
	}

	if accel == hv.AccelHardware {
		p.regions = append(p.regions,
			MemoryRegion{Base: PlatformInfoBase, Size: PlatformInfoSize, Purpose: PurposePlatformInfo},
			MemoryRegion{Base: FirmwareWindowBase, Size: FirmwareWindowSize, Purpose: PurposeFirmware},
		)
	}

	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}
