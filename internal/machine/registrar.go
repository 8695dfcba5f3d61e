package machine

import (
	"fmt"

	"github.com/tinyrange/ipf/internal/hv"
)

// registerMemory allocates host backing for every planned region and
// announces it in the guest-physical map. The hardware backend additionally
// receives each range in its own map; a failure in either map is fatal.
func (b *builder) registerMemory() error {
	for _, r := range b.plan.regions {
		block, err := b.env.Allocator.Allocate(r.Size)
		if err != nil {
			return fmt.Errorf("allocate %s: %w", r.Purpose, err)
		}
		b.blocks[r.Purpose] = block

		switch {
		case r.DeviceMapped:
			// Mapped by the owning device during attachment.
			continue
		case r.Purpose == PurposeMainRAM:
			for _, sub := range b.env.Accelerator.LowMemoryLayout(r.Size) {
				part, err := hv.Slice(block, sub.Base, sub.Size)
				if err != nil {
					return fmt.Errorf("main RAM %s: %w", sub, err)
				}
				if err := b.mapRange(r.Purpose.String(), sub.Base, part); err != nil {
					return err
				}
			}
		default:
			if err := b.mapRange(r.Purpose.String(), r.Base, block); err != nil {
				return err
			}
		}
	}
	b.log.Debug("machine: memory registered", "ram", b.physMap.RAMSize())
	return nil
}

func (b *builder) mapRange(name string, base uint64, block hv.RAMBlock) error {
	if err := b.physMap.RegisterRAM(name, base, block); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	if b.env.Accelerator.Kind() != hv.AccelHardware {
		return nil
	}
	if err := b.env.Accelerator.RegisterMemory(base, block); err != nil {
		return fmt.Errorf("register %s with %s backend: %w", name, b.env.Accelerator.Kind(), err)
	}
	return nil
}
