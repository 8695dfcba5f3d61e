package machine

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/hv"
)

// DeviceInfo is the placement of one attached device. DevFn and PCIIRQ
// are -1 off the PCI bus.
type DeviceInfo struct {
	Name   string
	Bus    BusKind
	Ports  []chipset.PortRange
	IRQs   []uint8
	DevFn  int
	PCIIRQ int
}

// Topology summarises a machine. Two builds from the same input on fresh
// backends have equal topologies.
type Topology struct {
	Accel   hv.AccelKind
	Regions []MemoryRegion
	CPUs    int
	Devices []DeviceInfo
}

// Topology returns the machine's summary.
func (m *Machine) Topology() Topology {
	return Topology{
		Accel:   m.accel.Kind(),
		Regions: m.Regions(),
		CPUs:    len(m.cpus),
		Devices: append([]DeviceInfo(nil), m.info...),
	}
}

// Hash is the topology fingerprint.
func (m *Machine) Hash() hv.VMConfigHash { return m.Topology().Hash() }

func (t Topology) Hash() hv.VMConfigHash {
	regions := make([]hv.RegionConfig, len(t.Regions))
	for i, r := range t.Regions {
		regions[i] = hv.RegionConfig{Purpose: r.Purpose.String(), Base: r.Base, Size: r.Size}
	}

	devices := make([]hv.DeviceConfig, len(t.Devices))
	for i, d := range t.Devices {
		dc := hv.DeviceConfig{ID: d.Name, Bus: d.Bus.String(), IRQLine: ^uint32(0), DevFn: int32(d.DevFn)}
		if len(d.Ports) > 0 {
			dc.Base = uint64(d.Ports[0].Base)
		}
		for _, p := range d.Ports {
			dc.Size += uint64(p.Count)
		}
		switch {
		case len(d.IRQs) > 0:
			dc.IRQLine = uint32(d.IRQs[0])
		case d.PCIIRQ >= 0:
			dc.IRQLine = uint32(d.PCIIRQ)
		}
		devices[i] = dc
	}
	return hv.ComputeConfigHash(t.Accel, regions, t.CPUs, devices)
}

// WriteTo prints the topology as aligned tables.
func (t Topology) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "accelerator\t%s\n", t.Accel)
	fmt.Fprintf(tw, "cpus\t%d\n\n", t.CPUs)

	fmt.Fprintln(tw, "REGION\tBASE\tSIZE")
	for _, r := range t.Regions {
		fmt.Fprintf(tw, "%s\t0x%x\t0x%x\n", r.Purpose, r.Base, r.Size)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "DEVICE\tBUS\tLOCATION\tIRQ")
	for _, d := range t.Devices {
		loc := "-"
		switch {
		case d.DevFn >= 0:
			loc = fmt.Sprintf("%02x.%d", d.DevFn>>3, d.DevFn&7)
		case len(d.Ports) > 0:
			loc = fmt.Sprintf("0x%x", d.Ports[0].Base)
		}
		irq := "-"
		switch {
		case len(d.IRQs) > 0:
			irq = fmt.Sprint(d.IRQs)
		case d.PCIIRQ >= 0:
			irq = fmt.Sprintf("%d", d.PCIIRQ)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Bus, loc, irq)
	}
	if err := tw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, cw.err
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}
