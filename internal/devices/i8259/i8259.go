// Package i8259 models the cascaded pair of 8259A interrupt controllers as
// far as line routing goes: sixteen input lines, per-controller masks and
// one output into the boot CPU.
package i8259

import (
	"sync"

	"github.com/tinyrange/ipf/internal/chipset"
)

const (
	primaryPicCommandPort   uint16 = 0x20
	secondaryPicCommandPort uint16 = 0xa0
	primaryPicELCRPort      uint16 = 0x4d0

	// CascadeIRQ is the primary input the secondary controller drives.
	CascadeIRQ = 2

	NumLines = 16
)

// Cascade is the dual 8259 interrupt controller.
type Cascade struct {
	mu sync.Mutex

	output chipset.LineInterrupt
	alt    chipset.InterruptSink

	levels uint16
	masks  [2]uint8

	lines *chipset.LineSet
	outHi bool
}

// New wires the cascade output to the CPU interrupt input.
func New(cpuIRQ chipset.LineInterrupt) *Cascade {
	if cpuIRQ == nil {
		cpuIRQ = chipset.LineInterruptDetached()
	}
	c := &Cascade{output: cpuIRQ}
	c.lines = chipset.NewLineSet(c)
	return c
}

// Lines returns the handle for every input line, indexed by IRQ number.
func (c *Cascade) Lines() [NumLines]chipset.LineInterrupt {
	var out [NumLines]chipset.LineInterrupt
	for i := range out {
		out[i] = c.lines.AllocateLine(uint8(i))
	}
	return out
}

// Line returns the handle for a single input.
func (c *Cascade) Line(irq uint8) chipset.LineInterrupt {
	return c.lines.AllocateLine(irq)
}

// SetAltSink installs a secondary receiver for every line change, or
// removes it when sink is nil.
func (c *Cascade) SetAltSink(sink chipset.InterruptSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alt = sink
}

// SetIRQ implements chipset.InterruptSink.
func (c *Cascade) SetIRQ(line uint8, level bool) {
	if line >= NumLines {
		return
	}
	c.mu.Lock()
	if level {
		c.levels |= 1 << line
	} else {
		c.levels &^= 1 << line
	}
	alt := c.alt
	c.syncOutputLocked()
	c.mu.Unlock()

	if alt != nil {
		alt.SetIRQ(line, level)
	}
}

// SetMasks programs the interrupt mask registers.
func (c *Cascade) SetMasks(primary, secondary uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masks = [2]uint8{primary, secondary}
	c.syncOutputLocked()
}

// Pending returns the highest priority unmasked line.
func (c *Cascade) Pending() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Cascade) pendingLocked() (uint8, bool) {
	secondary := uint8(c.levels>>8) &^ c.masks[1]
	primary := uint8(c.levels)
	if secondary != 0 {
		primary |= 1 << CascadeIRQ
	}
	primary &^= c.masks[0]

	for i := uint8(0); i < 8; i++ {
		if primary&(1<<i) == 0 {
			continue
		}
		if i != CascadeIRQ {
			return i, true
		}
		for j := uint8(0); j < 8; j++ {
			if secondary&(1<<j) != 0 {
				return 8 + j, true
			}
		}
	}
	return 0, false
}

func (c *Cascade) syncOutputLocked() {
	_, hi := c.pendingLocked()
	if hi != c.outHi {
		c.outHi = hi
		c.output.SetLevel(hi)
	}
}

// Reset implements chipset.Device. Masks are cleared and the output drops.
func (c *Cascade) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masks = [2]uint8{}
	c.syncOutputLocked()
	return nil
}

// Resources lists the ports the cascade decodes and the line it consumes.
func (c *Cascade) Resources() chipset.Resources {
	return chipset.Resources{
		Ports: []chipset.PortRange{
			{Base: primaryPicCommandPort, Count: 2},
			{Base: secondaryPicCommandPort, Count: 2},
			{Base: primaryPicELCRPort, Count: 2},
		},
		IRQs: []uint8{CascadeIRQ},
	}
}

var (
	_ chipset.Device        = &Cascade{}
	_ chipset.InterruptSink = &Cascade{}
)
