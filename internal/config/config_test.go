package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/ipf/internal/devices/pc"
	"github.com/tinyrange/ipf/internal/hv"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `version: v1.0.0
memoryMB: 2048
cpus: 2
accel: kvm
pci: true
acpi: true
vga: cirrus
biosDir: /usr/share/ipf
boot:
  device: c
  kernel: vmlinux
  cmdline: console=ttyS0
nics:
  - model: e1000
    mac: "52:54:00:aa:bb:cc"
  - {}
drives:
  - path: disk.img
  - path: cd.iso
    cdrom: true
serial:
  - console
  - none
`
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if kind, err := f.AccelKind(); err != nil || kind != hv.AccelHardware {
		t.Fatalf("AccelKind = %q, %v", kind, err)
	}

	var opened []string
	cfg, err := f.MachineConfig(func(name string) (io.Writer, error) {
		opened = append(opened, name)
		return io.Discard, nil
	})
	if err != nil {
		t.Fatalf("MachineConfig: %v", err)
	}
	if cfg.RAMSize != 2<<30 || cfg.CPUs != 2 || !cfg.PCI || !cfg.ACPI {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.VGA != pc.VGACirrus {
		t.Errorf("VGA = %q", cfg.VGA)
	}
	if len(cfg.NICs) != 2 || cfg.NICs[0].MAC.String() != "52:54:00:aa:bb:cc" || cfg.NICs[1].MAC != nil {
		t.Errorf("NICs = %+v", cfg.NICs)
	}
	if len(cfg.Drives) != 2 || !cfg.Drives[1].CDROM {
		t.Errorf("Drives = %+v", cfg.Drives)
	}
	if cfg.Boot.Kernel != "vmlinux" || cfg.Boot.Cmdline != "console=ttyS0" {
		t.Errorf("Boot = %+v", cfg.Boot)
	}
	if len(opened) != 2 || opened[0] != "console" || opened[1] != "none" || len(cfg.Serial) != 2 {
		t.Errorf("serial backends opened: %v", opened)
	}
}

func TestParseDefaults(t *testing.T) {
	f, err := Parse([]byte("pci: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Version != SchemaVersion || f.MemoryMB != DefaultMemoryMB || f.CPUs != DefaultCPUs {
		t.Errorf("defaults not applied: %+v", f)
	}
	if kind, _ := f.AccelKind(); kind != hv.AccelSoftware {
		t.Errorf("default accel = %q", kind)
	}
}

func TestSchemaVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"v1.0.0", true},
		{"1.0.0", true},
		{"v0.9.0", false},
		{"v1.1.0", false},
		{"v2.0.0", false},
		{"latest", false},
	}
	for _, tt := range tests {
		_, err := Parse([]byte("version: " + tt.version + "\n"))
		if tt.ok && err != nil {
			t.Errorf("version %s rejected: %v", tt.version, err)
		}
		if !tt.ok && !errors.Is(err, ErrSchemaVersion) {
			t.Errorf("version %s error = %v, want ErrSchemaVersion", tt.version, err)
		}
	}
}

func TestMachineConfigRejectsBadMAC(t *testing.T) {
	f := File{NICs: []NIC{{MAC: "not-a-mac"}}}
	if _, err := f.MachineConfig(nil); err == nil {
		t.Fatal("bad MAC accepted")
	}
}

func TestWriteRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, File{MemoryMB: 64, Sound: []string{"sb16"}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse written config: %v\n%s", err, buf.String())
	}
	if f.MemoryMB != 64 || len(f.Sound) != 1 || f.Sound[0] != "sb16" {
		t.Errorf("decoded %+v", f)
	}
}
