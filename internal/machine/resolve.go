package machine

import (
	"fmt"

	"github.com/tinyrange/ipf/internal/devices/pc"
	"github.com/tinyrange/ipf/internal/devices/pci"
)

// BusKind is how a device is reached.
type BusKind int

const (
	BusISA BusKind = iota
	BusPCI
)

func (k BusKind) String() string {
	if k == BusPCI {
		return "pci"
	}
	return "isa"
}

// DeviceClass groups peripherals that share a resolution policy.
type DeviceClass int

const (
	ClassDisplay DeviceClass = iota
	ClassNIC
	ClassStorage
	ClassSerial
	ClassParallel
	ClassUSB
	ClassPowerManagement
	ClassSound
)

func (c DeviceClass) String() string {
	switch c {
	case ClassDisplay:
		return "display"
	case ClassNIC:
		return "nic"
	case ClassStorage:
		return "storage"
	case ClassSerial:
		return "serial"
	case ClassParallel:
		return "parallel"
	case ClassUSB:
		return "usb"
	case ClassPowerManagement:
		return "pm"
	case ClassSound:
		return "sound"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// DeviceSpec asks for a device. An empty Model selects the class default.
type DeviceSpec struct {
	Model    string
	Instance int
}

// Resolution is the outcome of resolving a DeviceSpec. It is one of
// Resolved, Unsupported, AmbiguousFallback or Dropped.
type Resolution interface {
	resolution()
}

// Resolved is a concrete placement. Slot is set for BusISA, DevFn for
// BusPCI (pci.AutoDevFn picks the next free slot).
type Resolved struct {
	Model string
	Bus   BusKind
	Slot  ISASlot
	DevFn int
}

// Unsupported means the model cannot be attached to any bus.
type Unsupported struct {
	Model     string
	Supported []string
}

// AmbiguousFallback means the model is unknown but a generic PCI
// attachment will be attempted.
type AmbiguousFallback struct {
	Model string
}

// Dropped means the request is skipped without error.
type Dropped struct {
	Model  string
	Reason string
}

func (Resolved) resolution()          {}
func (Unsupported) resolution()       {}
func (AmbiguousFallback) resolution() {}
func (Dropped) resolution()           {}

// Resolver maps device requests onto buses and resource tables. It holds
// the per-machine table cursors.
type Resolver struct {
	pci bool
	// southDevFn is function 0 of the south bridge.
	southDevFn int
	nextNE2000 int
}

// NewResolver creates a resolver for a machine with or without PCI.
// southDevFn is ignored without PCI.
func NewResolver(pciEnabled bool, southDevFn int) *Resolver {
	return &Resolver{pci: pciEnabled, southDevFn: southDevFn}
}

// Resolve decides where spec attaches. Successful ISA NIC resolutions
// consume a table entry.
func (r *Resolver) Resolve(class DeviceClass, spec DeviceSpec) Resolution {
	switch class {
	case ClassDisplay:
		return r.display(spec)
	case ClassNIC:
		return r.nic(spec)
	case ClassStorage:
		return r.storage(spec)
	case ClassSerial:
		return r.fromTable(serialTable, spec)
	case ClassParallel:
		return r.fromTable(parallelTable, spec)
	case ClassUSB:
		return r.southFunction(spec, "piix3-usb-uhci", pci.PIIX3USBFunc)
	case ClassPowerManagement:
		return r.southFunction(spec, "piix4-pm", pci.PIIX3PMFunc)
	case ClassSound:
		return r.sound(spec)
	default:
		return Unsupported{Model: spec.Model}
	}
}

func (r *Resolver) bus() BusKind {
	if r.pci {
		return BusPCI
	}
	return BusISA
}

func (r *Resolver) display(spec DeviceSpec) Resolution {
	model := spec.Model
	if model == "" {
		model = string(pc.VGAStandard)
	}
	switch pc.VGAModel(model) {
	case pc.VGAStandard, pc.VGACirrus:
		return Resolved{Model: model, Bus: r.bus(), DevFn: pci.AutoDevFn}
	default:
		return Unsupported{Model: model, Supported: []string{string(pc.VGACirrus), string(pc.VGAStandard)}}
	}
}

func (r *Resolver) nic(spec DeviceSpec) Resolution {
	model := spec.Model
	if model == "" {
		if r.pci {
			model = pc.NICModelNE2000PCI
		} else {
			model = pc.NICModelNE2000ISA
		}
	}

	if model == pc.NICModelNE2000ISA {
		if r.nextNE2000 >= ne2000Table.Len() {
			return Dropped{Model: model, Reason: fmt.Sprintf("all %d ISA NE2000 slots in use", ne2000Table.Len())}
		}
		slot, _ := ne2000Table.At(r.nextNE2000)
		r.nextNE2000++
		return Resolved{Model: model, Bus: BusISA, Slot: slot}
	}

	if !r.pci {
		return Unsupported{Model: model, Supported: []string{pc.NICModelNE2000ISA}}
	}
	for _, known := range pc.PCINICModels() {
		if model == known {
			return Resolved{Model: model, Bus: BusPCI, DevFn: pci.AutoDevFn}
		}
	}
	return AmbiguousFallback{Model: model}
}

func (r *Resolver) storage(spec DeviceSpec) Resolution {
	if r.pci {
		if spec.Instance != 0 {
			return Unsupported{Model: "piix3-ide"}
		}
		return Resolved{Model: "piix3-ide", Bus: BusPCI, DevFn: r.southDevFn + pci.PIIX3IDEFunc}
	}
	return r.fromTable(ideTable, spec)
}

func (r *Resolver) fromTable(t SlotTable, spec DeviceSpec) Resolution {
	slot, err := t.At(spec.Instance)
	if err != nil {
		return Unsupported{Model: t.Name()}
	}
	return Resolved{Model: t.Name(), Bus: BusISA, Slot: slot}
}

func (r *Resolver) southFunction(spec DeviceSpec, model string, fn int) Resolution {
	if !r.pci {
		return Dropped{Model: model, Reason: "PCI disabled"}
	}
	return Resolved{Model: model, Bus: BusPCI, DevFn: r.southDevFn + fn}
}

func (r *Resolver) sound(spec DeviceSpec) Resolution {
	known := false
	for _, m := range pc.SoundModels() {
		if m == spec.Model {
			known = true
		}
	}
	switch {
	case !known:
		return Unsupported{Model: spec.Model, Supported: pc.SoundModels()}
	case pc.IsPCISound(spec.Model) && !r.pci:
		return Dropped{Model: spec.Model, Reason: "PCI disabled"}
	case pc.IsPCISound(spec.Model):
		return Resolved{Model: spec.Model, Bus: BusPCI, DevFn: pci.AutoDevFn}
	default:
		return Resolved{Model: spec.Model, Bus: BusISA}
	}
}
