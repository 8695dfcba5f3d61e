package i8259

import (
	"testing"

	"github.com/tinyrange/ipf/internal/chipset"
)

type testReadySink struct {
	level bool
	edges int
}

func (s *testReadySink) SetLevel(level bool) {
	s.level = level
	s.edges++
}

func (s *testReadySink) PulseInterrupt() {}

func TestCascadePrimaryLine(t *testing.T) {
	sink := &testReadySink{}
	c := New(sink)
	lines := c.Lines()

	lines[4].SetLevel(true)
	if !sink.level {
		t.Fatalf("ready line not asserted for IRQ 4")
	}
	if irq, ok := c.Pending(); !ok || irq != 4 {
		t.Fatalf("pending = %d,%v want 4", irq, ok)
	}
	lines[4].SetLevel(false)
	if sink.level {
		t.Fatalf("ready line still high")
	}
}

func TestCascadeSecondaryLine(t *testing.T) {
	sink := &testReadySink{}
	c := New(sink)
	const irqLine = 10 // maps to secondary line 2

	c.Line(irqLine).SetLevel(true)
	if !sink.level {
		t.Fatalf("ready line not asserted for secondary IRQ")
	}
	if irq, ok := c.Pending(); !ok || irq != irqLine {
		t.Fatalf("pending = %d,%v want %d", irq, ok, irqLine)
	}

	c.SetMasks(1<<CascadeIRQ, 0)
	if sink.level {
		t.Fatalf("masking the cascade input should drop the output")
	}
}

func TestCascadePriority(t *testing.T) {
	c := New(nil)
	c.Line(12).SetLevel(true)
	c.Line(6).SetLevel(true)
	// Secondary lines enter through IRQ 2, ahead of IRQ 6.
	if irq, _ := c.Pending(); irq != 12 {
		t.Fatalf("pending = %d, want 12", irq)
	}
}

type altSink struct{ lines []uint8 }

func (a *altSink) SetIRQ(line uint8, level bool) { a.lines = append(a.lines, line) }

func TestCascadeAltSink(t *testing.T) {
	c := New(nil)
	alt := &altSink{}
	c.SetAltSink(alt)
	c.Line(9).PulseInterrupt()
	if len(alt.lines) != 2 {
		t.Fatalf("alt sink saw %v", alt.lines)
	}
	c.SetAltSink(nil)
	c.Line(9).PulseInterrupt()
	if len(alt.lines) != 2 {
		t.Fatalf("alt sink still attached")
	}
}

var _ chipset.LineInterrupt = &testReadySink{}
