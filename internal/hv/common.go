package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrRegionOverlap         = errors.New("region overlaps existing mapping")
)

// AccelKind names an execution backend.
type AccelKind string

const (
	AccelInvalid  AccelKind = "invalid"
	AccelSoftware AccelKind = "tcg"
	AccelHardware AccelKind = "kvm"
)

func ParseAccelKind(s string) (AccelKind, error) {
	switch s {
	case "tcg", "software":
		return AccelSoftware, nil
	case "kvm", "hardware":
		return AccelHardware, nil
	default:
		return AccelInvalid, fmt.Errorf("unknown accelerator %q (want tcg or kvm)", s)
	}
}

// Range is a half-open guest-physical interval [Base, Base+Size).
type Range struct {
	Base uint64
	Size uint64
}

func (r Range) End() uint64 { return r.Base + r.Size }

func (r Range) Overlaps(o Range) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", r.Base, r.End())
}

// RAMBlock is a span of host memory that backs guest RAM.
type RAMBlock interface {
	// Offset is the block's position in the machine's RAM address space.
	Offset() uint64
	Size() uint64
	Bytes() []byte
}

// RAMAllocator hands out host backing for guest RAM.
type RAMAllocator interface {
	io.Closer

	Allocate(size uint64) (RAMBlock, error)
}

// Accelerator is the execution backend a machine is built against. The
// software emulator and the hardware-accelerated backend differ in how
// guest RAM has to be laid out and announced, and in whether freshly
// written code needs an instruction cache sweep.
type Accelerator interface {
	io.Closer

	Kind() AccelKind

	// LowMemoryLayout returns the sub-ranges of [0, size) that must be
	// backed and registered. Addresses not covered stay unbacked.
	LowMemoryLayout(size uint64) []Range

	// RegisterMemory announces guest-physical memory at base, backed by
	// block, to the backend's own memory map.
	RegisterMemory(base uint64, block RAMBlock) error

	// SyncInstructionCache makes code written into guest memory visible
	// to instruction fetch. It returns the number of cache lines swept.
	SyncInstructionCache(code []byte) int
}

const (
	LegacyHoleBase   = 0xa0000  // 640 KiB
	LegacyHoleEnd    = 0xc0000  // 768 KiB
	ExtendedMemStart = 0x100000 // 1 MiB
)

// FlatLayout backs the whole of [0, size) with one range.
func FlatLayout(size uint64) []Range {
	if size == 0 {
		return nil
	}
	return []Range{{Base: 0, Size: size}}
}

// LegacyLowMemoryLayout leaves [640K, 768K) unbacked for legacy video and
// BIOS shadowing. The ROM shadow window [768K, 1M) is kept as its own range
// so that each range maps to exactly one host block.
func LegacyLowMemoryLayout(size uint64) []Range {
	var out []Range
	clip := func(base, end uint64) {
		if end > size {
			end = size
		}
		if base < end {
			out = append(out, Range{Base: base, Size: end - base})
		}
	}
	clip(0, LegacyHoleBase)
	clip(LegacyHoleEnd, ExtendedMemStart)
	clip(ExtendedMemStart, size)
	return out
}
