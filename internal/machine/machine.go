// Package machine builds the Itanium platform: CPUs, the guest memory map,
// the firmware window, the interrupt and PCI fabric and the PC-compatible
// peripherals, in that order.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/i8259"
	"github.com/tinyrange/ipf/internal/devices/pc"
	"github.com/tinyrange/ipf/internal/devices/pci"
	"github.com/tinyrange/ipf/internal/firmware"
	"github.com/tinyrange/ipf/internal/hv"
)

var (
	ErrZeroRAM            = errors.New("guest RAM size is zero")
	ErrNoCPUs             = errors.New("machine needs at least one CPU")
	ErrPageSizeMismatch   = errors.New("host page size differs from target page size")
	ErrFabricNotReady     = errors.New("interrupt and bus fabric not built")
	ErrUnsupportedNIC     = errors.New("unsupported NIC model")
	ErrUnsupportedDevice  = errors.New("unsupported device model")
	ErrInstanceOutOfRange = errors.New("device instance out of range")
)

const (
	DefaultTargetPageSize = 4096
	DefaultVGARAMSize     = 8 << 20

	// SMBusBase is where the power management function decodes its SMBus.
	SMBusBase = 0xb100
	// SPDSockets is the number of DIMM sockets described on the SMBus.
	SPDSockets = 8
	// SPDBaseAddress is the SMBus address of the first SPD EEPROM.
	SPDBaseAddress = 0x50
)

// BootConfig selects what the firmware starts.
type BootConfig struct {
	Device  string
	Kernel  string
	Initrd  string
	Cmdline string
}

// Config describes the machine to build.
type Config struct {
	RAMSize uint64
	CPUs    int
	// PageSize is the target page size; the host must match it.
	PageSize int

	PCI  bool
	ACPI bool
	USB  bool

	VGA        pc.VGAModel
	VGARAMSize uint64

	// BIOSDir holds the flash image named FirmwareName.
	BIOSDir      string
	FirmwareName string
	Boot         BootConfig

	NICs     []pc.NICConfig
	Drives   []pc.Drive
	Floppies []pc.Drive
	// Serial and Parallel enable one port per entry; nil entries discard
	// output.
	Serial   []io.Writer
	Parallel []io.Writer
	Sound    []string
}

// MaxDrives is the number of IDE drives across both channels.
const MaxDrives = 2 * pc.DrivesPerChannel

func (c *Config) normalize() {
	if c.PageSize == 0 {
		c.PageSize = DefaultTargetPageSize
	}
	if c.VGA == "" {
		c.VGA = pc.VGAStandard
	}
	if c.VGARAMSize == 0 {
		c.VGARAMSize = DefaultVGARAMSize
	}
	for i := range c.NICs {
		if len(c.NICs[i].MAC) == 0 {
			c.NICs[i].MAC = DefaultMAC(i)
		}
	}
}

// Validate checks the request against the fixed resource tables.
func (c Config) Validate() error {
	if c.RAMSize == 0 {
		return ErrZeroRAM
	}
	if c.CPUs < 1 {
		return fmt.Errorf("%d CPUs: %w", c.CPUs, ErrNoCPUs)
	}
	if len(c.Serial) > serialTable.Len() {
		return fmt.Errorf("%d serial ports, at most %d: %w", len(c.Serial), serialTable.Len(), ErrInstanceOutOfRange)
	}
	if len(c.Parallel) > parallelTable.Len() {
		return fmt.Errorf("%d parallel ports, at most %d: %w", len(c.Parallel), parallelTable.Len(), ErrInstanceOutOfRange)
	}
	if len(c.Drives) > MaxDrives {
		return fmt.Errorf("%d IDE drives, at most %d: %w", len(c.Drives), MaxDrives, ErrInstanceOutOfRange)
	}
	if len(c.Floppies) > pc.MaxFloppyDrives {
		return fmt.Errorf("%d floppy drives, at most %d: %w", len(c.Floppies), pc.MaxFloppyDrives, ErrInstanceOutOfRange)
	}
	seen := make(map[string]bool)
	for _, s := range c.Sound {
		if seen[s] {
			return fmt.Errorf("sound card %q enabled twice", s)
		}
		seen[s] = true
	}
	return nil
}

// DefaultMAC returns the address given to NIC i when none is configured.
func DefaultMAC(i int) net.HardwareAddr {
	return net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, byte(0x56 + i)}
}

// Devices constructs peripherals. pc.Factory is the standard set.
type Devices interface {
	VGA(bus *pci.Bus, model pc.VGAModel, fb hv.RAMBlock, sink io.Writer) (*pc.VGA, error)
	ISAIDE(index int, iobase, iobase2 uint16, irq uint8, line chipset.LineInterrupt, drives [pc.DrivesPerChannel]*pc.Drive) (*pc.IDEChannel, error)
	PCIIDE(bus *pci.Bus, devfn int, lines [2]chipset.LineInterrupt, drives [MaxDrives]*pc.Drive) (*pc.PCIIDE, error)
	ISANE2000(port uint16, irq uint8, line chipset.LineInterrupt, cfg pc.NICConfig) (*pc.NIC, error)
	PCINIC(bus *pci.Bus, devfn int, cfg pc.NICConfig) (*pc.NIC, error)
	Serial(port uint16, irq uint8, line chipset.LineInterrupt, backend io.Writer) (*pc.Serial, error)
	Parallel(port, count uint16, irq uint8, backend io.Writer) (*pc.Parallel, error)
	USB(bus *pci.Bus, devfn int) (*pc.UHCI, error)
	PowerManagement(bus *pci.Bus, devfn int, smbBase uint16) (*pc.PowerManagement, error)
	Keyboard(kbd, mouse chipset.LineInterrupt) (*pc.Keyboard, error)
	DMA(highPageEnable bool) (*pc.DMA, error)
	Floppy(line chipset.LineInterrupt, dma int, drives [pc.MaxFloppyDrives]*pc.Drive) (*pc.Floppy, error)
	SoundCard(bus *pci.Bus, model string) (*pc.SoundCard, error)
}

var _ Devices = &pc.Factory{}

// Env carries the collaborators a machine is built against. Build takes
// ownership of Accelerator and Allocator and closes them when construction
// fails or the machine is closed.
type Env struct {
	Logger      *slog.Logger
	Accelerator hv.Accelerator
	Allocator   hv.RAMAllocator
	Resets      hv.ResetRegistry
	Snapshots   hv.SnapshotRegistry
	Devices     Devices
	Firmware    firmware.Reader
	// Display receives the text the display adapter renders.
	Display io.Writer
	// Output receives user-facing listings such as supported models.
	Output io.Writer
	// HostPageSize overrides the detected host page size.
	HostPageSize int
}

func (e *Env) normalize() error {
	if e.Accelerator == nil {
		return fmt.Errorf("machine: no accelerator")
	}
	if e.Allocator == nil {
		return fmt.Errorf("machine: no RAM allocator")
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Resets == nil {
		e.Resets = hv.NewResets()
	}
	if e.Snapshots == nil {
		e.Snapshots = hv.NewSnapshots()
	}
	if e.Devices == nil {
		e.Devices = pc.NewFactory()
	}
	if e.Firmware == nil {
		e.Firmware = firmware.FileReader{}
	}
	if e.Display == nil {
		e.Display = io.Discard
	}
	if e.Output == nil {
		e.Output = os.Stderr
	}
	if e.HostPageSize == 0 {
		e.HostPageSize = hv.HostPageSize()
	}
	return nil
}

// builder is the construction context shared by the stages.
type builder struct {
	cfg Config
	env Env
	log *slog.Logger

	plan    Plan
	regions []MemoryRegion
	physMap *hv.AddressSpace
	blocks  map[Purpose]hv.RAMBlock
	cpus    []*CPU

	firmwareRange MemoryRegion

	fabric   *fabric
	resolver *Resolver
	chipset  *chipset.Builder

	devices []pc.Device
	info    []DeviceInfo
	floppy  *pc.Floppy
	smbus   *pc.SMBus
	spd     []byte
	pam     []pci.PAMSegment
}

// Build constructs a machine. On error nothing is returned and the host
// memory allocated so far is released.
func Build(cfg Config, env Env) (*Machine, error) {
	if err := env.normalize(); err != nil {
		return nil, err
	}
	cfg.normalize()

	b := &builder{
		cfg:     cfg,
		env:     env,
		log:     env.Logger,
		physMap: hv.NewAddressSpace("phys"),
		blocks:  make(map[Purpose]hv.RAMBlock),
		chipset: chipset.NewBuilder(),
	}
	m, err := b.run()
	if err != nil {
		b.release()
		return nil, err
	}
	return m, nil
}

func (b *builder) run() (*Machine, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	if b.env.HostPageSize != b.cfg.PageSize {
		return nil, fmt.Errorf("host %d, target %d: %w", b.env.HostPageSize, b.cfg.PageSize, ErrPageSizeMismatch)
	}

	plan, err := PlanMemory(b.cfg.RAMSize, b.cfg.VGARAMSize, b.env.Accelerator.Kind())
	if err != nil {
		return nil, err
	}
	b.plan = plan
	b.regions = plan.Regions()

	stages := []struct {
		name string
		run  func() error
	}{
		{"cpus", b.initCPUs},
		{"memory", b.registerMemory},
		{"firmware", b.loadFirmware},
		{"fabric", b.buildFabric},
		{"devices", b.attachDevices},
	}
	for _, stage := range stages {
		if err := stage.run(); err != nil {
			return nil, fmt.Errorf("machine: %s: %w", stage.name, err)
		}
	}

	if b.fabric.host != nil {
		b.pam = b.fabric.host.InitMemoryMappings()
	}

	cs, err := b.chipset.Build()
	if err != nil {
		return nil, fmt.Errorf("machine: chipset: %w", err)
	}
	b.env.Resets.RegisterReset("chipset", func() {
		if err := cs.Reset(); err != nil {
			b.log.Warn("machine: chipset reset", "error", err)
		}
	})

	m := &Machine{
		cfg:      b.cfg,
		accel:    b.env.Accelerator,
		alloc:    b.env.Allocator,
		physMap:  b.physMap,
		regions:  b.regions,
		firmware: b.firmwareRange,
		cpus:     b.cpus,
		pic:      b.fabric.pic,
		chipset:  cs,
		devices:  b.devices,
		info:     b.info,
		floppy:   b.floppy,
		smbus:    b.smbus,
		spd:      b.spd,
		pam:      b.pam,
	}
	if b.fabric.pci != nil {
		m.pciBus = b.fabric.pci.PCI
		m.host = b.fabric.host
		m.piix3 = b.fabric.piix3
	}
	b.log.Info("machine: built",
		"accel", b.env.Accelerator.Kind(),
		"ram", b.cfg.RAMSize,
		"cpus", len(b.cpus),
		"devices", len(b.devices),
		"pci", b.cfg.PCI)
	return m, nil
}

func (b *builder) release() {
	if err := b.env.Allocator.Close(); err != nil {
		b.log.Warn("machine: release memory", "error", err)
	}
	if err := b.env.Accelerator.Close(); err != nil {
		b.log.Warn("machine: close accelerator", "error", err)
	}
}

// Machine is a constructed platform.
type Machine struct {
	cfg     Config
	accel   hv.Accelerator
	alloc   hv.RAMAllocator
	physMap *hv.AddressSpace
	regions []MemoryRegion

	firmware MemoryRegion

	cpus    []*CPU
	pic     *i8259.Cascade
	pciBus  *pci.Bus
	host    *pci.HostBridge
	piix3   *pci.PIIX3
	chipset *chipset.Chipset

	devices []pc.Device
	info    []DeviceInfo
	floppy  *pc.Floppy
	smbus   *pc.SMBus
	spd     []byte
	pam     []pci.PAMSegment

	closeOnce sync.Once
	closeErr  error
}

func (m *Machine) Config() Config              { return m.cfg }
func (m *Machine) Accelerator() hv.Accelerator { return m.accel }
func (m *Machine) PhysMap() *hv.AddressSpace   { return m.physMap }
func (m *Machine) CPUs() []*CPU                { return append([]*CPU(nil), m.cpus...) }
func (m *Machine) Chipset() *chipset.Chipset   { return m.chipset }
func (m *Machine) Boot() BootConfig            { return m.cfg.Boot }

// HandlePIO routes a guest I/O port access to the device that claimed the
// port during bring-up.
func (m *Machine) HandlePIO(port uint16, data []byte, isWrite bool) error {
	if m.chipset == nil {
		return fmt.Errorf("machine: I/O port 0x%04x: %w", port, chipset.ErrNoHandler)
	}
	return m.chipset.HandlePIO(port, data, isWrite)
}

// InterruptController returns the 8259 cascade.
func (m *Machine) InterruptController() *i8259.Cascade { return m.pic }

// Regions returns the memory map with device-mapped bases filled in.
func (m *Machine) Regions() []MemoryRegion {
	return append([]MemoryRegion(nil), m.regions...)
}

// FirmwareImage returns where the flash image was placed. It is false for
// backends without a firmware window.
func (m *Machine) FirmwareImage() (MemoryRegion, bool) {
	return m.firmware, m.firmware.Size != 0
}

// PCIBus is nil when PCI is disabled.
func (m *Machine) PCIBus() *pci.Bus { return m.pciBus }

func (m *Machine) HostBridge() *pci.HostBridge { return m.host }
func (m *Machine) SouthBridge() *pci.PIIX3     { return m.piix3 }

// Devices returns the attached peripherals in attachment order.
func (m *Machine) Devices() []pc.Device {
	return append([]pc.Device(nil), m.devices...)
}

// Device finds a peripheral by name.
func (m *Machine) Device(name string) (pc.Device, bool) {
	for _, d := range m.devices {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}

func (m *Machine) Floppy() *pc.Floppy { return m.floppy }

// SMBus is nil unless PCI and ACPI are enabled.
func (m *Machine) SMBus() *pc.SMBus { return m.smbus }

// SPD returns the serial presence detect block shared by the DIMM EEPROMs.
func (m *Machine) SPD() []byte { return m.spd }

// PAMSegments returns the memory attribute windows set up by the host bridge.
func (m *Machine) PAMSegments() []pci.PAMSegment {
	return append([]pci.PAMSegment(nil), m.pam...)
}

// Close releases guest memory and the accelerator.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		if err := m.alloc.Close(); err != nil {
			m.closeErr = fmt.Errorf("release memory: %w", err)
		}
		if err := m.accel.Close(); err != nil && m.closeErr == nil {
			m.closeErr = fmt.Errorf("close accelerator: %w", err)
		}
	})
	return m.closeErr
}
