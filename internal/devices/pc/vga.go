package pc

import (
	"fmt"
	"io"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pci"
	"github.com/tinyrange/ipf/internal/hv"
)

// LinearFramebufferBase is where the VBE linear framebuffer is decoded.
const LinearFramebufferBase = 0xe0000000

// VGAModel selects the emulated display adapter.
type VGAModel string

const (
	VGAStandard VGAModel = "std"
	VGACirrus   VGAModel = "cirrus"
)

// VGA is a display adapter backed by a framebuffer block.
type VGA struct {
	base
	model VGAModel
	fb    hv.RAMBlock
	sink  io.Writer
	fn    *pci.Function
}

func (v *VGA) Model() VGAModel { return v.model }

// Framebuffer returns the guest-physical window of the linear framebuffer.
func (v *VGA) Framebuffer() hv.Range {
	return hv.Range{Base: LinearFramebufferBase, Size: v.fb.Size()}
}

// FramebufferBlock returns the host memory behind the framebuffer.
func (v *VGA) FramebufferBlock() hv.RAMBlock { return v.fb }

// Function is nil for the ISA variants.
func (v *VGA) Function() *pci.Function { return v.fn }

// Display returns the sink text output is rendered to.
func (v *VGA) Display() io.Writer { return v.sink }

func (v *VGA) Resources() chipset.Resources {
	return chipset.Resources{Ports: []chipset.PortRange{
		{Base: 0x3b4, Count: 2},
		{Base: 0x3ba, Count: 1},
		{Base: 0x3c0, Count: 0x20},
		// Bochs VBE index/data.
		{Base: 0x1ce, Count: 2},
	}}
}

func vgaHeader(model VGAModel) (pci.Header, error) {
	switch model {
	case VGAStandard:
		return pci.Header{VendorID: 0x1234, DeviceID: 0x1111, Class: 0x03}, nil
	case VGACirrus:
		return pci.Header{VendorID: 0x1013, DeviceID: 0x00b8, Class: 0x03}, nil
	default:
		return pci.Header{}, fmt.Errorf("vga model %q: %w", model, ErrUnsupportedModel)
	}
}

func newVGA(bus *pci.Bus, model VGAModel, fb hv.RAMBlock, sink io.Writer) (*VGA, error) {
	hdr, err := vgaHeader(model)
	if err != nil {
		return nil, err
	}
	if fb == nil || fb.Size() == 0 {
		return nil, fmt.Errorf("vga: framebuffer is empty")
	}
	v := &VGA{base: base{name: "vga-" + string(model)}, model: model, fb: fb, sink: sink}
	if bus == nil {
		return v, nil
	}

	v.name = "pci-vga-" + string(model)
	fn, err := bus.Register(v.name, pci.AutoDevFn, hdr)
	if err != nil {
		return nil, err
	}
	if err := fn.SetBAR(0, LinearFramebufferBase, false); err != nil {
		return nil, err
	}
	v.fn = fn
	return v, nil
}
