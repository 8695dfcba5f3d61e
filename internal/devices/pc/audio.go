package pc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pci"
)

// SoundCard is an enabled audio device.
type SoundCard struct {
	base
	ports []chipset.PortRange
	irqs  []uint8
	fn    *pci.Function
}

func (s *SoundCard) Function() *pci.Function { return s.fn }

func (s *SoundCard) Resources() chipset.Resources {
	return chipset.Resources{Ports: s.ports, IRQs: s.irqs}
}

type soundModel struct {
	isa   bool
	ports []chipset.PortRange
	irqs  []uint8
	hdr   pci.Header
}

var soundModels = map[string]soundModel{
	"sb16": {
		isa:   true,
		ports: []chipset.PortRange{{Base: 0x220, Count: 0x10}},
		irqs:  []uint8{5},
	},
	"adlib": {
		isa:   true,
		ports: []chipset.PortRange{{Base: 0x388, Count: 4}},
	},
	"es1370": {
		hdr: pci.Header{VendorID: 0x1274, DeviceID: 0x5000, Class: 0x04, Subclass: 0x01, InterruptPin: 1},
	},
}

// SoundModels lists the supported card names.
func SoundModels() []string {
	out := make([]string, 0, len(soundModels))
	for m := range soundModels {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// IsPCISound reports whether model attaches to the PCI bus.
func IsPCISound(model string) bool {
	m, ok := soundModels[model]
	return ok && !m.isa
}

func newSoundCard(bus *pci.Bus, model string) (*SoundCard, error) {
	m, ok := soundModels[model]
	if !ok {
		return nil, fmt.Errorf("sound card %q (supported: %s): %w",
			model, strings.Join(SoundModels(), ", "), ErrUnsupportedModel)
	}
	card := &SoundCard{base: base{name: model}, ports: m.ports, irqs: m.irqs}
	if m.isa {
		return card, nil
	}
	if bus == nil {
		return nil, fmt.Errorf("sound card %q: no PCI bus", model)
	}
	fn, err := bus.Register(model, pci.AutoDevFn, m.hdr)
	if err != nil {
		return nil, err
	}
	card.fn = fn
	return card, nil
}
