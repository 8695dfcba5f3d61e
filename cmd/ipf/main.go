package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tinyrange/ipf/internal/config"
	"github.com/tinyrange/ipf/internal/console"
	"github.com/tinyrange/ipf/internal/firmware"
	"github.com/tinyrange/ipf/internal/hv"
	"github.com/tinyrange/ipf/internal/hv/factory"
	"github.com/tinyrange/ipf/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ipf: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine description (YAML)")
	accel := flag.String("accel", "", "Execution backend (tcg, kvm); overrides the config")
	memory := flag.Uint64("memory", 0, "Memory in MB; overrides the config")
	cpus := flag.Int("cpus", 0, "Number of processors; overrides the config")
	pciFlag := flag.Bool("pci", false, "Enable the PCI bus")
	acpi := flag.Bool("acpi", false, "Enable the power management function")
	nics := flag.String("nic", "", "Comma-separated NIC models (\"?\" lists the ISA models)")
	biosDir := flag.String("bios", "", "Directory holding the firmware image")
	showConsole := flag.Bool("show-console", false, "Print the console text after construction")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Construct an Itanium PC-compatible machine and print its topology.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -memory 2048 -pci -acpi -nic ne2k_pci\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config machine.yaml -accel kvm -bios /usr/share/ipf\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var file config.File
	if *configPath != "" {
		f, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		file = f
	} else {
		f, err := config.Parse(nil)
		if err != nil {
			return err
		}
		file = f
	}

	// Flags given on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "accel":
			file.Accel = *accel
		case "memory":
			file.MemoryMB = *memory
		case "cpus":
			file.CPUs = *cpus
		case "pci":
			file.PCI = *pciFlag
		case "acpi":
			file.ACPI = *acpi
		case "bios":
			file.BIOSDir = *biosDir
		case "nic":
			file.NICs = nil
			for _, model := range strings.Split(*nics, ",") {
				file.NICs = append(file.NICs, config.NIC{Model: strings.TrimSpace(model)})
			}
		}
	})

	kind, err := file.AccelKind()
	if err != nil {
		return err
	}

	con := console.New(console.DefaultCols, console.DefaultRows)
	defer con.Close()

	backends := &backendSet{con: con}
	defer backends.Close()

	cfg, err := file.MachineConfig(backends.Open)
	if err != nil {
		return err
	}

	acc, err := factory.Open(kind)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", kind, err)
	}

	m, err := machine.Build(cfg, machine.Env{
		Logger:      logger,
		Accelerator: acc,
		Allocator:   hv.NewHostAllocator(),
		Firmware:    firmware.FileReader{Progress: term.IsTerminal(int(os.Stderr.Fd()))},
		Display:     con,
		Output:      os.Stdout,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if _, err := m.Topology().WriteTo(os.Stdout); err != nil {
		return fmt.Errorf("write topology: %w", err)
	}
	fmt.Fprintf(os.Stdout, "hash %s\n", m.Hash())

	if *showConsole {
		fmt.Fprint(os.Stdout, con.Text())
	}
	return nil
}

// backendSet opens character backends and owns the files it creates.
type backendSet struct {
	con   *console.Console
	files []*os.File
}

// Open resolves a character backend name: "console", "stdout", "none", or
// "file:<path>".
func (b *backendSet) Open(name string) (io.Writer, error) {
	switch {
	case name == "console":
		return b.con, nil
	case name == "stdout":
		return os.Stdout, nil
	case name == "none", name == "":
		return nil, nil
	case strings.HasPrefix(name, "file:"):
		f, err := os.Create(strings.TrimPrefix(name, "file:"))
		if err != nil {
			return nil, fmt.Errorf("open backend %q: %w", name, err)
		}
		b.files = append(b.files, f)
		return f, nil
	default:
		return nil, fmt.Errorf("unknown character backend %q", name)
	}
}

// Close closes every file backend, reporting the first failure.
func (b *backendSet) Close() error {
	var first error
	for _, f := range b.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.files = nil
	return first
}
