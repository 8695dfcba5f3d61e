package chipset

import (
	"errors"
	"fmt"
)

// MaxLegacyIRQ bounds the lines served by the cascaded 8259 pair.
const MaxLegacyIRQ = 15

var (
	ErrPortConflict = errors.New("I/O port already claimed")
	ErrIRQConflict  = errors.New("interrupt line already claimed")
	ErrNoHandler    = errors.New("no handler for I/O port")
)

type irqClaim struct {
	owner  string
	shared bool
}

// Builder registers legacy devices and the ports and IRQ lines they own
// before creating a Chipset. A line is owned exclusively unless every
// claimant asks for a shared claim.
type Builder struct {
	devices map[string]Device
	order   []string
	pio     map[uint16]string
	irqs    map[uint8][]irqClaim
}

// NewBuilder returns an empty Builder instance.
func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]Device),
		pio:     make(map[uint16]string),
		irqs:    make(map[uint8][]irqClaim),
	}
}

// RegisterDevice adds a device and claims its resources. Nothing is
// claimed when any claim fails.
func (b *Builder) RegisterDevice(name string, dev Device, res Resources) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	for _, pr := range res.Ports {
		if err := b.checkPorts(pr); err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
	}
	for _, irq := range res.IRQs {
		if err := b.checkIRQ(irq, res.SharedIRQ); err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
	}

	for _, pr := range res.Ports {
		for p := uint32(pr.Base); p < uint32(pr.Base)+uint32(pr.Count); p++ {
			b.pio[uint16(p)] = name
		}
	}
	for _, irq := range res.IRQs {
		b.irqs[irq] = append(b.irqs[irq], irqClaim{owner: name, shared: res.SharedIRQ})
	}

	b.devices[name] = dev
	b.order = append(b.order, name)
	return nil
}

func (b *Builder) checkPorts(pr PortRange) error {
	if pr.Count == 0 {
		return fmt.Errorf("empty port range at 0x%x", pr.Base)
	}
	if uint32(pr.Base)+uint32(pr.Count) > 0x10000 {
		return fmt.Errorf("port range 0x%x+%d exceeds I/O space", pr.Base, pr.Count)
	}
	for p := uint32(pr.Base); p < uint32(pr.Base)+uint32(pr.Count); p++ {
		if owner, exists := b.pio[uint16(p)]; exists {
			return fmt.Errorf("port 0x%x owned by %q: %w", p, owner, ErrPortConflict)
		}
	}
	return nil
}

func (b *Builder) checkIRQ(irq uint8, shared bool) error {
	if irq > MaxLegacyIRQ {
		return fmt.Errorf("IRQ %d outside legacy range 0-%d", irq, MaxLegacyIRQ)
	}
	for _, c := range b.irqs[irq] {
		if !c.shared || !shared {
			return fmt.Errorf("IRQ %d owned by %q: %w", irq, c.owner, ErrIRQConflict)
		}
	}
	return nil
}

// PortOwner returns the device owning port.
func (b *Builder) PortOwner(port uint16) (string, bool) {
	owner, ok := b.pio[port]
	return owner, ok
}

// IRQOwners returns the devices holding a claim on irq.
func (b *Builder) IRQOwners(irq uint8) []string {
	var owners []string
	for _, c := range b.irqs[irq] {
		owners = append(owners, c.owner)
	}
	return owners
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make(map[uint16]string, len(b.pio))
	for port, owner := range b.pio {
		pio[port] = owner
	}

	irqs := make(map[uint8][]string, len(b.irqs))
	for line := range b.irqs {
		irqs[line] = b.IRQOwners(line)
	}

	return &Chipset{
		devices: devices,
		order:   append([]string(nil), b.order...),
		pio:     pio,
		irqs:    irqs,
	}, nil
}

// Chipset is the frozen legacy bus layout.
type Chipset struct {
	devices map[string]Device
	order   []string
	pio     map[uint16]string
	irqs    map[uint8][]string
}
