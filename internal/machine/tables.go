package machine

import (
	"fmt"

	"github.com/tinyrange/ipf/internal/chipset"
)

// ISASlot is one fixed legacy resource assignment.
type ISASlot struct {
	Port  uint16
	Count uint16
	// AltPort is the control block of an IDE channel.
	AltPort uint16
	IRQ     uint8
}

func (s ISASlot) resources(shared bool) chipset.Resources {
	res := chipset.Resources{
		Ports:     []chipset.PortRange{{Base: s.Port, Count: s.Count}},
		IRQs:      []uint8{s.IRQ},
		SharedIRQ: shared,
	}
	if s.AltPort != 0 {
		res.Ports = append(res.Ports, chipset.PortRange{Base: s.AltPort, Count: 1})
	}
	return res
}

// SlotTable is an immutable per-class resource table indexed by instance.
type SlotTable struct {
	name  string
	slots []ISASlot
}

func mustSlotTable(name string, slots ...ISASlot) SlotTable {
	t, err := newSlotTable(name, slots...)
	if err != nil {
		panic(err)
	}
	return t
}

func newSlotTable(name string, slots ...ISASlot) (SlotTable, error) {
	seen := make(map[uint16]bool)
	for i, s := range slots {
		if s.Port == 0 || s.Count == 0 {
			return SlotTable{}, fmt.Errorf("%s table: entry %d has no ports", name, i)
		}
		if s.IRQ > chipset.MaxLegacyIRQ {
			return SlotTable{}, fmt.Errorf("%s table: entry %d IRQ %d out of range", name, i, s.IRQ)
		}
		if seen[s.Port] {
			return SlotTable{}, fmt.Errorf("%s table: duplicate port 0x%x", name, s.Port)
		}
		seen[s.Port] = true
	}
	return SlotTable{name: name, slots: append([]ISASlot(nil), slots...)}, nil
}

func (t SlotTable) Name() string { return t.name }
func (t SlotTable) Len() int     { return len(t.slots) }

// At returns entry i.
func (t SlotTable) At(i int) (ISASlot, error) {
	if i < 0 || i >= len(t.slots) {
		return ISASlot{}, fmt.Errorf("%s %d: only %d available: %w", t.name, i, len(t.slots), ErrInstanceOutOfRange)
	}
	return t.slots[i], nil
}

// NE2000MaxISA bounds the NE2000 adapters on the legacy bus.
const NE2000MaxISA = 6

var (
	ne2000Table = mustSlotTable("ne2k_isa",
		ISASlot{Port: 0x300, Count: 0x20, IRQ: 9},
		ISASlot{Port: 0x320, Count: 0x20, IRQ: 10},
		ISASlot{Port: 0x340, Count: 0x20, IRQ: 11},
		ISASlot{Port: 0x360, Count: 0x20, IRQ: 3},
		ISASlot{Port: 0x280, Count: 0x20, IRQ: 4},
		ISASlot{Port: 0x380, Count: 0x20, IRQ: 5},
	)

	serialTable = mustSlotTable("serial",
		ISASlot{Port: 0x3f8, Count: 8, IRQ: 4},
		ISASlot{Port: 0x2f8, Count: 8, IRQ: 3},
		ISASlot{Port: 0x3e8, Count: 8, IRQ: 4},
		ISASlot{Port: 0x2e8, Count: 8, IRQ: 3},
	)

	parallelTable = mustSlotTable("parallel",
		ISASlot{Port: 0x378, Count: 8, IRQ: 7},
		ISASlot{Port: 0x278, Count: 8, IRQ: 7},
		// 0x3c0 upwards is VGA.
		ISASlot{Port: 0x3bc, Count: 4, IRQ: 7},
	)

	ideTable = mustSlotTable("ide",
		ISASlot{Port: 0x1f0, Count: 8, AltPort: 0x3f6, IRQ: 14},
		ISASlot{Port: 0x170, Count: 8, AltPort: 0x376, IRQ: 15},
	)
)

// NE2000Slots, SerialSlots and ParallelSlots expose the legacy tables.
func NE2000Slots() SlotTable   { return ne2000Table }
func SerialSlots() SlotTable   { return serialTable }
func ParallelSlots() SlotTable { return parallelTable }
