package chipset

import (
	"fmt"
	"sort"
)

// Reset resets all registered devices in registration order.
func (c *Chipset) Reset() error {
	for _, name := range c.order {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the named device.
func (c *Chipset) Device(name string) (Device, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// DeviceNames lists devices in registration order.
func (c *Chipset) DeviceNames() []string {
	return append([]string(nil), c.order...)
}

// PortOwner returns the device decoding port.
func (c *Chipset) PortOwner(port uint16) (string, bool) {
	owner, ok := c.pio[port]
	return owner, ok
}

// HandlePIO dispatches an I/O port access to the device that claimed port.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	owner, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: I/O port 0x%04x: %w", port, ErrNoHandler)
	}
	handler, ok := c.devices[owner].(IOHandler)
	if !ok {
		return fmt.Errorf("chipset: device %q does not serve I/O port 0x%04x: %w", owner, port, ErrNoHandler)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// IRQOwners returns the devices wired to irq.
func (c *Chipset) IRQOwners(irq uint8) []string {
	return append([]string(nil), c.irqs[irq]...)
}

// UsedIRQs returns every claimed line in ascending order.
func (c *Chipset) UsedIRQs() []uint8 {
	lines := make([]uint8, 0, len(c.irqs))
	for line := range c.irqs {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })
	return lines
}
