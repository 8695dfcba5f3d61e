// Package pc holds the peripheral models of the PC-compatible chipset.
// They record identity and resources; register-level behaviour lives in
// the device emulators behind them.
package pc

import (
	"errors"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pci"
)

var ErrUnsupportedModel = errors.New("unsupported device model")

// Device is a constructed peripheral.
type Device interface {
	chipset.Device
	Name() string
}

// ISADevice is a peripheral decoded on the legacy bus.
type ISADevice interface {
	Device
	Resources() chipset.Resources
}

// PCIDevice is a peripheral that owns a PCI function.
type PCIDevice interface {
	Device
	Function() *pci.Function
}

// Drive is a block backend attached to a storage channel.
type Drive struct {
	Path     string
	CDROM    bool
	ReadOnly bool
}

func (d *Drive) present() bool { return d != nil && d.Path != "" }

type base struct {
	name string
}

func (b base) Name() string { return b.name }
func (b base) Reset() error { return nil }
