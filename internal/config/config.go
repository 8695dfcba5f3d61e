// Package config reads machine descriptions from YAML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ipf/internal/devices/pc"
	"github.com/tinyrange/ipf/internal/hv"
	"github.com/tinyrange/ipf/internal/machine"
)

const (
	// SchemaVersion is the newest file layout this package reads.
	SchemaVersion = "v1.0.0"

	DefaultMemoryMB = 512
	DefaultCPUs     = 1
)

var ErrSchemaVersion = errors.New("unsupported config schema version")

// File is the on-disk machine description.
type File struct {
	Version  string `yaml:"version"`
	MemoryMB uint64 `yaml:"memoryMB"`
	CPUs     int    `yaml:"cpus"`
	Accel    string `yaml:"accel,omitempty"`

	PCI  bool `yaml:"pci"`
	ACPI bool `yaml:"acpi"`
	USB  bool `yaml:"usb,omitempty"`

	VGA         string `yaml:"vga,omitempty"`
	VGAMemoryMB uint64 `yaml:"vgaMemoryMB,omitempty"`

	BIOSDir  string `yaml:"biosDir,omitempty"`
	Firmware string `yaml:"firmware,omitempty"`

	Boot BootConfig `yaml:"boot,omitempty"`

	NICs     []NIC    `yaml:"nics,omitempty"`
	Drives   []Drive  `yaml:"drives,omitempty"`
	Floppies []Drive  `yaml:"floppies,omitempty"`
	Serial   []string `yaml:"serial,omitempty"`
	Parallel []string `yaml:"parallel,omitempty"`
	Sound    []string `yaml:"sound,omitempty"`
}

type BootConfig struct {
	Device  string `yaml:"device,omitempty"`
	Kernel  string `yaml:"kernel,omitempty"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`
}

type NIC struct {
	Model string `yaml:"model,omitempty"`
	MAC   string `yaml:"mac,omitempty"`
	VLAN  int    `yaml:"vlan,omitempty"`
}

type Drive struct {
	Path     string `yaml:"path"`
	CDROM    bool   `yaml:"cdrom,omitempty"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
}

func (f *File) normalize() {
	if f.Version == "" {
		f.Version = SchemaVersion
	}
	if !strings.HasPrefix(f.Version, "v") {
		f.Version = "v" + f.Version
	}
	if f.MemoryMB == 0 {
		f.MemoryMB = DefaultMemoryMB
	}
	if f.CPUs == 0 {
		f.CPUs = DefaultCPUs
	}
	if f.Accel == "" {
		f.Accel = string(hv.AccelSoftware)
	}
}

// checkVersion accepts files written for the same major schema that are not
// newer than SchemaVersion.
func (f *File) checkVersion() error {
	if !semver.IsValid(f.Version) {
		return fmt.Errorf("%q: %w", f.Version, ErrSchemaVersion)
	}
	if semver.Major(f.Version) != semver.Major(SchemaVersion) || semver.Compare(f.Version, SchemaVersion) > 0 {
		return fmt.Errorf("%s, this build reads %s: %w", f.Version, SchemaVersion, ErrSchemaVersion)
	}
	return nil
}

// Parse decodes and normalizes a machine description.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	f.normalize()
	if err := f.checkVersion(); err != nil {
		return File{}, err
	}
	return f, nil
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Write encodes f as YAML.
func Write(w io.Writer, f File) error {
	f.normalize()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// AccelKind returns the requested execution backend.
func (f File) AccelKind() (hv.AccelKind, error) {
	return hv.ParseAccelKind(f.Accel)
}

// BackendFunc opens the character backend named in a serial or parallel
// entry.
type BackendFunc func(name string) (io.Writer, error)

// MachineConfig converts the file into a machine.Config. Serial and
// parallel entries are opened through backend.
func (f File) MachineConfig(backend BackendFunc) (machine.Config, error) {
	cfg := machine.Config{
		RAMSize:      f.MemoryMB << 20,
		CPUs:         f.CPUs,
		PCI:          f.PCI,
		ACPI:         f.ACPI,
		USB:          f.USB,
		VGA:          pc.VGAModel(f.VGA),
		VGARAMSize:   f.VGAMemoryMB << 20,
		BIOSDir:      f.BIOSDir,
		FirmwareName: f.Firmware,
		Boot: machine.BootConfig{
			Device:  f.Boot.Device,
			Kernel:  f.Boot.Kernel,
			Initrd:  f.Boot.Initrd,
			Cmdline: f.Boot.Cmdline,
		},
		Sound: f.Sound,
	}

	for i, n := range f.NICs {
		nic := pc.NICConfig{Model: n.Model, VLAN: n.VLAN}
		if n.MAC != "" {
			mac, err := net.ParseMAC(n.MAC)
			if err != nil {
				return machine.Config{}, fmt.Errorf("nic %d: %w", i, err)
			}
			nic.MAC = mac
		}
		cfg.NICs = append(cfg.NICs, nic)
	}
	for _, d := range f.Drives {
		cfg.Drives = append(cfg.Drives, pc.Drive(d))
	}
	for _, d := range f.Floppies {
		cfg.Floppies = append(cfg.Floppies, pc.Drive(d))
	}

	open := func(kind string, names []string) ([]io.Writer, error) {
		var out []io.Writer
		for i, name := range names {
			if backend == nil {
				out = append(out, nil)
				continue
			}
			w, err := backend(name)
			if err != nil {
				return nil, fmt.Errorf("%s %d: %w", kind, i, err)
			}
			out = append(out, w)
		}
		return out, nil
	}
	var err error
	if cfg.Serial, err = open("serial", f.Serial); err != nil {
		return machine.Config{}, err
	}
	if cfg.Parallel, err = open("parallel", f.Parallel); err != nil {
		return machine.Config{}, err
	}
	return cfg, nil
}
