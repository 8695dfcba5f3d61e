package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Mapping is one registered range of a guest-physical map.
type Mapping struct {
	Name  string
	Range Range
	// Block is nil for device-owned windows registered with RegisterFixed.
	Block RAMBlock
}

// AddressSpace is a guest-physical memory map. It records which host block
// backs each range and rejects overlapping registrations.
type AddressSpace struct {
	mu sync.Mutex

	name     string
	mappings []Mapping
}

// NewAddressSpace creates an empty physical map. The name is only used in
// error messages.
func NewAddressSpace(name string) *AddressSpace {
	return &AddressSpace{name: name}
}

// RegisterRAM maps block at base.
func (a *AddressSpace) RegisterRAM(name string, base uint64, block RAMBlock) error {
	if block == nil {
		return fmt.Errorf("%s: RAM region %s has no backing block", a.name, name)
	}
	return a.add(Mapping{Name: name, Range: Range{Base: base, Size: block.Size()}, Block: block})
}

// RegisterFixed reserves a device-owned window that is not backed by RAM.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	return a.add(Mapping{Name: name, Range: Range{Base: base, Size: size}})
}

func (a *AddressSpace) add(m Mapping) error {
	if m.Range.Size == 0 {
		return fmt.Errorf("%s: cannot register zero-size region %s", a.name, m.Name)
	}
	if m.Range.End() < m.Range.Base {
		return fmt.Errorf("%s: region %s at 0x%x with size 0x%x overflows", a.name, m.Name, m.Range.Base, m.Range.Size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.mappings {
		if existing.Range.Overlaps(m.Range) {
			return fmt.Errorf("%s: region %s %s overlaps %s %s: %w",
				a.name, m.Name, m.Range, existing.Name, existing.Range, ErrRegionOverlap)
		}
	}

	a.mappings = append(a.mappings, m)
	sort.Slice(a.mappings, func(i, j int) bool {
		return a.mappings[i].Range.Base < a.mappings[j].Range.Base
	})
	return nil
}

// Lookup returns the mapping containing gpa.
func (a *AddressSpace) Lookup(gpa uint64) (Mapping, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := sort.Search(len(a.mappings), func(i int) bool {
		return a.mappings[i].Range.End() > gpa
	})
	if i < len(a.mappings) && a.mappings[i].Range.Base <= gpa {
		return a.mappings[i], true
	}
	return Mapping{}, false
}

// Mappings returns a copy of all mappings ordered by base address.
func (a *AddressSpace) Mappings() []Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Mapping, len(a.mappings))
	copy(result, a.mappings)
	return result
}

// RAMSize returns the number of guest-physical bytes backed by RAM blocks.
func (a *AddressSpace) RAMSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total uint64
	for _, m := range a.mappings {
		if m.Block != nil {
			total += m.Range.Size
		}
	}
	return total
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
