package machine

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/devices/pc"
	"github.com/tinyrange/ipf/internal/devices/pci"
	"github.com/tinyrange/ipf/internal/firmware"
	"github.com/tinyrange/ipf/internal/hv"
	"github.com/tinyrange/ipf/internal/hv/hvtest"
	"github.com/tinyrange/ipf/internal/hv/tcg"
)

type fakeFirmware struct {
	image []byte
	err   error
	paths []string
}

func (f *fakeFirmware) ReadImage(path string) ([]byte, error) {
	f.paths = append(f.paths, path)
	if f.err != nil {
		return nil, f.err
	}
	return f.image, nil
}

type testEnv struct {
	accel  *hvtest.Accelerator
	alloc  *hvtest.Allocator
	fw     *fakeFirmware
	resets *hv.Resets
	snaps  *hv.Snapshots
	out    bytes.Buffer
	pages  int
	dev    Devices
}

func newTestEnv(kind hv.AccelKind) *testEnv {
	return &testEnv{
		accel:  hvtest.NewAccelerator(kind),
		alloc:  hvtest.NewAllocator(),
		fw:     &fakeFirmware{image: bytes.Repeat([]byte{0x90}, 4096)},
		resets: hv.NewResets(),
		snaps:  hv.NewSnapshots(),
		pages:  DefaultTargetPageSize,
	}
}

func (te *testEnv) env() Env {
	return Env{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Accelerator:  te.accel,
		Allocator:    te.alloc,
		Resets:       te.resets,
		Snapshots:    te.snaps,
		Devices:      te.dev,
		Firmware:     te.fw,
		Output:       &te.out,
		HostPageSize: te.pages,
	}
}

func (te *testEnv) build(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := Build(cfg, te.env())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestPlanMemorySplitsAtThreshold(t *testing.T) {
	for _, ram := range []uint64{SplitThreshold, 4 << 30, 6<<30 + 0x5000} {
		plan, err := PlanMemory(ram, DefaultVGARAMSize, hv.AccelSoftware)
		if err != nil {
			t.Fatalf("PlanMemory(0x%x): %v", ram, err)
		}
		regions := plan.RAM()
		want := 2
		if ram == SplitThreshold {
			// Nothing left over for the high region.
			want = 1
		}
		if len(regions) != want {
			t.Fatalf("PlanMemory(0x%x) RAM regions = %v, want %d", ram, regions, want)
		}
		var total uint64
		for _, r := range regions {
			total += r.Size
		}
		if total != ram {
			t.Fatalf("PlanMemory(0x%x) RAM total = 0x%x", ram, total)
		}
		if regions[0].Base != 0 || regions[0].Size != SplitThreshold {
			t.Fatalf("low region = %s", regions[0])
		}
		if want == 2 && regions[1].Base != HighMemoryBase {
			t.Fatalf("high region base = 0x%x, want 0x%x", regions[1].Base, uint64(HighMemoryBase))
		}
	}
}

func TestPlanMemoryBelowThreshold(t *testing.T) {
	for _, ram := range []uint64{1 << 20, 512 << 20, SplitThreshold - 1} {
		plan, err := PlanMemory(ram, DefaultVGARAMSize, hv.AccelHardware)
		if err != nil {
			t.Fatalf("PlanMemory(0x%x): %v", ram, err)
		}
		regions := plan.RAM()
		if len(regions) != 1 || regions[0].Base != 0 || regions[0].Size != ram {
			t.Fatalf("PlanMemory(0x%x) RAM = %v", ram, regions)
		}
	}
}

func TestExactlyThreeGiBHasNoHighRegion(t *testing.T) {
	plan, err := PlanMemory(3<<30, DefaultVGARAMSize, hv.AccelHardware)
	if err != nil {
		t.Fatalf("PlanMemory: %v", err)
	}
	regions := plan.RAM()
	if len(regions) != 1 || regions[0].Base != 0 || regions[0].Size != 3<<30 {
		t.Fatalf("RAM regions = %v, want a single 3 GiB low region", regions)
	}
	if _, ok := plan.Region(PurposeExtendedRAM); ok {
		t.Fatalf("plan has an empty high region")
	}

	te := newTestEnv(hv.AccelHardware)
	m := te.build(t, Config{RAMSize: 3 << 30, CPUs: 1})
	if mp, ok := m.PhysMap().Lookup(HighMemoryBase); ok {
		t.Fatalf("high memory mapped at %s", mp.Range)
	}
	for _, s := range te.accel.Shadow() {
		if s.Range.Base == HighMemoryBase {
			t.Fatalf("backend saw a high memory slot %s", s.Range)
		}
	}
}

func TestPlanMemoryFirmwareWindowIsHardwareOnly(t *testing.T) {
	hw, err := PlanMemory(4<<30, DefaultVGARAMSize, hv.AccelHardware)
	if err != nil {
		t.Fatalf("PlanMemory: %v", err)
	}
	fw, ok := hw.Region(PurposeFirmware)
	if !ok {
		t.Fatalf("hardware plan has no firmware window")
	}
	if fw.Range().End() != HighMemoryBase || fw.Size != FirmwareWindowSize {
		t.Fatalf("firmware window = %s", fw)
	}
	if _, ok := hw.Region(PurposePlatformInfo); !ok {
		t.Fatalf("hardware plan has no platform info block")
	}
	fb, ok := hw.Region(PurposeFramebuffer)
	if !ok || !fb.DeviceMapped || fb.Size != DefaultVGARAMSize {
		t.Fatalf("framebuffer = %+v", fb)
	}

	sw, err := PlanMemory(4<<30, DefaultVGARAMSize, hv.AccelSoftware)
	if err != nil {
		t.Fatalf("PlanMemory: %v", err)
	}
	if _, ok := sw.Region(PurposeFirmware); ok {
		t.Fatalf("software plan has a firmware window")
	}

	if _, err := PlanMemory(0, DefaultVGARAMSize, hv.AccelSoftware); !errors.Is(err, ErrZeroRAM) {
		t.Fatalf("zero RAM error = %v", err)
	}
}

func TestLegacyHoleNeverRegistered(t *testing.T) {
	hole := hv.Range{Base: hv.LegacyHoleBase, Size: hv.LegacyHoleEnd - hv.LegacyHoleBase}
	for _, ram := range []uint64{768 << 10, 1 << 20, 64 << 20, 3 << 30, 5 << 30} {
		te := newTestEnv(hv.AccelHardware)
		m := te.build(t, Config{RAMSize: ram, CPUs: 1})

		for _, mp := range te.accel.Shadow() {
			if mp.Range.Overlaps(hole) {
				t.Fatalf("ram 0x%x: shadow mapping %s covers the legacy hole", ram, mp.Range)
			}
		}
		for _, mp := range m.PhysMap().Mappings() {
			if mp.Range.Overlaps(hole) {
				t.Fatalf("ram 0x%x: physical mapping %s covers the legacy hole", ram, mp.Range)
			}
		}
		if got, want := len(te.accel.Shadow()), len(m.PhysMap().Mappings()); got != want {
			t.Fatalf("ram 0x%x: shadow has %d mappings, physical map %d", ram, got, want)
		}
	}
}

func TestHighMemoryRegisteredOnce(t *testing.T) {
	te := newTestEnv(hv.AccelHardware)
	m := te.build(t, Config{RAMSize: 5 << 30, CPUs: 1})

	mp, ok := m.PhysMap().Lookup(HighMemoryBase)
	if !ok || mp.Range.Base != HighMemoryBase || mp.Range.Size != 2<<30 {
		t.Fatalf("high memory mapping = %+v", mp)
	}
	count := 0
	for _, s := range te.accel.Shadow() {
		if s.Range.Base == HighMemoryBase {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("high memory registered with the backend %d times", count)
	}
}

func TestSoftwareBackendRegistersFlat(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	m := te.build(t, Config{RAMSize: 64 << 20, CPUs: 1})

	if len(te.accel.Shadow()) != 0 {
		t.Fatalf("software backend received %d registrations", len(te.accel.Shadow()))
	}
	mp, ok := m.PhysMap().Lookup(hv.LegacyHoleBase)
	if !ok || mp.Range.Base != 0 || mp.Range.Size != 64<<20 {
		t.Fatalf("low RAM mapping = %+v", mp)
	}
	if len(te.fw.paths) != 0 {
		t.Fatalf("software backend read firmware %v", te.fw.paths)
	}
	if _, ok := m.FirmwareImage(); ok {
		t.Fatalf("software backend placed a firmware image")
	}
}

func TestFirmwareEndsFlushWithWindow(t *testing.T) {
	te := newTestEnv(hv.AccelHardware)
	te.fw.image = []byte("firmware image body")
	m := te.build(t, Config{RAMSize: 128 << 20, CPUs: 2, BIOSDir: "/bios"})

	if len(te.fw.paths) != 1 || te.fw.paths[0] != "/bios/"+firmware.DefaultImageName {
		t.Fatalf("firmware read from %v", te.fw.paths)
	}
	img, ok := m.FirmwareImage()
	if !ok {
		t.Fatalf("no firmware image")
	}
	if img.Range().End() != FirmwareWindowBase+FirmwareWindowSize {
		t.Fatalf("image ends at 0x%x", img.Range().End())
	}

	mp, ok := m.PhysMap().Lookup(FirmwareWindowBase)
	if !ok {
		t.Fatalf("firmware window not mapped")
	}
	mem := mp.Block.Bytes()
	if !bytes.Equal(mem[len(mem)-len(te.fw.image):], te.fw.image) {
		t.Fatalf("window tail does not hold the image")
	}
	synced := te.accel.Synced()
	if len(synced) != 1 || len(synced[0]) != len(te.fw.image) {
		t.Fatalf("instruction cache synced over %d buffers", len(synced))
	}

	hob, ok := m.PhysMap().Lookup(PlatformInfoBase)
	if !ok || string(hob.Block.Bytes()[:8]) != firmware.HOBSignature {
		t.Fatalf("hand-off block not written")
	}
}

func TestFirmwareErrorsAbortConstruction(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		err   error
		want  error
	}{
		{name: "too large", image: make([]byte, FirmwareWindowSize+1), want: firmware.ErrImageTooLarge},
		{name: "empty", image: nil, want: firmware.ErrImageEmpty},
		{name: "missing", err: firmware.ErrImageMissing, want: firmware.ErrImageMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEnv(hv.AccelHardware)
			te.fw.image, te.fw.err = tt.image, tt.err
			m, err := Build(Config{RAMSize: 32 << 20, CPUs: 1}, te.env())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build error = %v, want %v", err, tt.want)
			}
			if m != nil {
				t.Fatalf("Build returned a machine on error")
			}
			if !te.alloc.Closed() || !te.accel.Closed() {
				t.Fatalf("backends not released after failure")
			}
		})
	}
}

func TestCPUsHaltedAtReset(t *testing.T) {
	for n := 1; n <= 8; n++ {
		te := newTestEnv(hv.AccelSoftware)
		m := te.build(t, Config{RAMSize: 16 << 20, CPUs: n})

		cpus := m.CPUs()
		if len(cpus) != n {
			t.Fatalf("%d CPUs, want %d", len(cpus), n)
		}
		te.resets.Reset()
		for i, c := range cpus {
			want := i != 0
			if c.HaltedAtReset() != want || c.Halted() != want {
				t.Fatalf("N=%d cpu %d halted=%v atReset=%v, want %v", n, i, c.Halted(), c.HaltedAtReset(), want)
			}
			if c.State().IP != ResetVector {
				t.Fatalf("cpu %d IP = 0x%x", i, c.State().IP)
			}
		}

		sections := te.snaps.Sections()
		if len(sections) != n {
			t.Fatalf("%d snapshot sections, want %d", len(sections), n)
		}
		for i, s := range sections {
			if s.Name != "cpu" || s.Instance != i || s.Version != 4 {
				t.Fatalf("section %d = %s/%d v%d", i, s.Name, s.Instance, s.Version)
			}
		}
	}
}

func TestCPUSnapshotRestoresHaltedFlag(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	m := te.build(t, Config{RAMSize: 16 << 20, CPUs: 2})
	cpus := m.CPUs()

	cpus[1].mu.Lock()
	cpus[1].state.GR[8] = 0xfeedface
	cpus[1].mu.Unlock()

	var buf bytes.Buffer
	if err := te.snaps.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Wake the secondary and run the boot processor into a halt so the
	// restore has something to undo.
	cpus[0].mu.Lock()
	cpus[0].halted = true
	cpus[0].state.IP = 0x1234
	cpus[0].mu.Unlock()
	cpus[1].mu.Lock()
	cpus[1].halted = false
	cpus[1].state.GR[8] = 0
	cpus[1].mu.Unlock()

	if err := te.snaps.Load(&buf); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cpus[0].Halted() || !cpus[1].Halted() {
		t.Fatalf("halted flags after restore: %v %v", cpus[0].Halted(), cpus[1].Halted())
	}
	if ip := cpus[0].State().IP; ip != ResetVector {
		t.Fatalf("cpu 0 IP after restore = %#x, want %#x", ip, uint64(ResetVector))
	}
	if gr := cpus[1].State().GR[8]; gr != 0xfeedface {
		t.Fatalf("cpu 1 GR8 after restore = %#x", gr)
	}
}

func TestNoCPUsRejected(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	if _, err := Build(Config{RAMSize: 16 << 20}, te.env()); !errors.Is(err, ErrNoCPUs) {
		t.Fatalf("Build error = %v, want ErrNoCPUs", err)
	}
}

func TestISANE2000TableExhaustion(t *testing.T) {
	for _, withPCI := range []bool{false, true} {
		te := newTestEnv(hv.AccelSoftware)
		nics := make([]pc.NICConfig, NE2000MaxISA+2)
		for i := range nics {
			nics[i].Model = pc.NICModelNE2000ISA
		}
		m := te.build(t, Config{RAMSize: 32 << 20, CPUs: 1, PCI: withPCI, NICs: nics})

		var got []string
		for _, d := range m.Devices() {
			if strings.HasPrefix(d.Name(), pc.NICModelNE2000ISA) {
				got = append(got, d.Name())
			}
		}
		if len(got) != NE2000MaxISA {
			t.Fatalf("pci=%v: attached %d ISA NICs (%v), want %d", withPCI, len(got), got, NE2000MaxISA)
		}
		for i := 0; i < NE2000MaxISA; i++ {
			slot, _ := NE2000Slots().At(i)
			for _, port := range []uint16{slot.Port, slot.Port + 0x0f, slot.Port + 0x10, slot.Port + 0x11, slot.Port + 0x1f} {
				owner, ok := m.Chipset().PortOwner(port)
				if !ok || owner != got[i] {
					t.Fatalf("pci=%v: port 0x%x owned by %q, want %q", withPCI, port, owner, got[i])
				}
			}
			if owner, ok := m.Chipset().PortOwner(slot.Port + 0x12); ok {
				t.Fatalf("pci=%v: undecoded port 0x%x claimed by %q", withPCI, slot.Port+0x12, owner)
			}
		}
		// The 0x360 card sits next to the secondary IDE control port.
		if owner, ok := m.Chipset().PortOwner(0x376); !ok || strings.HasPrefix(owner, pc.NICModelNE2000ISA) {
			t.Fatalf("pci=%v: port 0x376 owned by %q", withPCI, owner)
		}
	}
}

func TestUnknownNICWithoutPCIIsFatal(t *testing.T) {
	for _, model := range []string{"rtl8139", "?"} {
		te := newTestEnv(hv.AccelSoftware)
		_, err := Build(Config{RAMSize: 32 << 20, CPUs: 1, NICs: []pc.NICConfig{{Model: model}}}, te.env())
		if !errors.Is(err, ErrUnsupportedNIC) {
			t.Fatalf("model %q: error = %v, want ErrUnsupportedNIC", model, err)
		}
		if model == "?" && !strings.Contains(te.out.String(), "Supported ISA NICs: ne2k_isa") {
			t.Fatalf("model list not printed: %q", te.out.String())
		}
	}
}

type fallbackDevices struct {
	*pc.Factory
	models []string
}

func (d *fallbackDevices) PCINIC(bus *pci.Bus, devfn int, cfg pc.NICConfig) (*pc.NIC, error) {
	d.models = append(d.models, cfg.Model)
	cfg.Model = pc.NICModelNE2000PCI
	return d.Factory.PCINIC(bus, devfn, cfg)
}

func TestUnknownNICWithPCIFallsBack(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	_, err := Build(Config{RAMSize: 32 << 20, CPUs: 1, PCI: true, NICs: []pc.NICConfig{{Model: "bogus"}}}, te.env())
	if !errors.Is(err, pc.ErrUnsupportedModel) {
		t.Fatalf("default factory error = %v, want ErrUnsupportedModel", err)
	}

	te = newTestEnv(hv.AccelSoftware)
	devs := &fallbackDevices{Factory: pc.NewFactory()}
	te.dev = devs
	m := te.build(t, Config{RAMSize: 32 << 20, CPUs: 1, PCI: true, NICs: []pc.NICConfig{{Model: "bogus"}}})
	if len(devs.models) != 1 || devs.models[0] != "bogus" {
		t.Fatalf("generic attachment saw %v", devs.models)
	}
	if _, ok := m.Device("ne2k_pci@03.0"); !ok {
		t.Fatalf("fallback NIC missing; devices %v", m.Chipset().DeviceNames())
	}
}

func TestExclusiveIRQConflictIsFatal(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	nics := make([]pc.NICConfig, 4)
	for i := range nics {
		nics[i].Model = pc.NICModelNE2000ISA
	}
	// The fourth NE2000 wants IRQ 3, which the second serial port shares.
	_, err := Build(Config{
		RAMSize: 32 << 20,
		CPUs:    1,
		NICs:    nics,
		Serial:  []io.Writer{nil, nil},
	}, te.env())
	if !errors.Is(err, chipset.ErrIRQConflict) {
		t.Fatalf("Build error = %v, want ErrIRQConflict", err)
	}
}

func TestSerialPortsShareLines(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	var out bytes.Buffer
	m := te.build(t, Config{
		RAMSize:  32 << 20,
		CPUs:     1,
		Serial:   []io.Writer{&out, nil, nil, nil},
		Parallel: []io.Writer{nil, nil, nil},
	})
	if owners := m.Chipset().IRQOwners(4); len(owners) != 2 {
		t.Fatalf("IRQ 4 owners = %v, want both COM1 and COM3", owners)
	}
	if owners := m.Chipset().IRQOwners(7); len(owners) != 3 {
		t.Fatalf("IRQ 7 owners = %v", owners)
	}

	dev, ok := m.Device("serial@0x3f8")
	if !ok {
		t.Fatalf("COM1 missing")
	}
	if _, ok := dev.(chipset.IOHandler); !ok {
		t.Fatalf("COM1 does not serve port accesses")
	}
	if err := m.HandlePIO(0x3f8, []byte{'A'}, true); err != nil {
		t.Fatalf("write COM1: %v", err)
	}
	if out.String() != "A" {
		t.Fatalf("COM1 backend got %q", out.String())
	}
	if err := m.HandlePIO(0x2f8, []byte{'B'}, true); err != nil {
		t.Fatalf("write COM2: %v", err)
	}
	if out.String() != "A" {
		t.Fatalf("COM2 write leaked into COM1 backend: %q", out.String())
	}
}

func TestHandlePIOReachesLegacyDevices(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	m := te.build(t, Config{RAMSize: 32 << 20, CPUs: 1, PCI: true})

	// i8042 controller self-test.
	if err := m.HandlePIO(0x64, []byte{0xaa}, true); err != nil {
		t.Fatalf("keyboard command: %v", err)
	}
	status := make([]byte, 1)
	if err := m.HandlePIO(0x64, status, false); err != nil {
		t.Fatalf("keyboard status: %v", err)
	}
	if status[0]&0x01 == 0 {
		t.Fatalf("keyboard status 0x%x, output buffer empty", status[0])
	}
	reply := make([]byte, 1)
	if err := m.HandlePIO(0x60, reply, false); err != nil {
		t.Fatalf("keyboard data: %v", err)
	}
	if reply[0] != 0x55 {
		t.Fatalf("self-test reply 0x%x, want 0x55", reply[0])
	}

	// Configuration mechanism #1: bus 0, device 0, function 0, register 0.
	if err := m.HandlePIO(0xcf8, []byte{0x00, 0x00, 0x00, 0x80}, true); err != nil {
		t.Fatalf("config address: %v", err)
	}
	id := make([]byte, 4)
	if err := m.HandlePIO(0xcfc, id, false); err != nil {
		t.Fatalf("config data: %v", err)
	}
	if vendor, device := uint16(id[0])|uint16(id[1])<<8, uint16(id[2])|uint16(id[3])<<8; vendor != 0x8086 || device != 0x1237 {
		t.Fatalf("host bridge id %04x:%04x, want 8086:1237", vendor, device)
	}

	if err := m.HandlePIO(0x2e8, reply, false); !errors.Is(err, chipset.ErrNoHandler) {
		t.Fatalf("unclaimed port error = %v, want ErrNoHandler", err)
	}
}

func TestConfigRejectsOutOfRangeInstances(t *testing.T) {
	tests := []Config{
		{RAMSize: 1 << 20, CPUs: 1, Serial: make([]io.Writer, 5)},
		{RAMSize: 1 << 20, CPUs: 1, Parallel: make([]io.Writer, 4)},
		{RAMSize: 1 << 20, CPUs: 1, Drives: make([]pc.Drive, MaxDrives+1)},
		{RAMSize: 1 << 20, CPUs: 1, Floppies: make([]pc.Drive, 3)},
	}
	for i, cfg := range tests {
		if err := cfg.Validate(); !errors.Is(err, ErrInstanceOutOfRange) {
			t.Fatalf("case %d: Validate error = %v", i, err)
		}
	}
}

func TestPageSizeMismatch(t *testing.T) {
	te := newTestEnv(hv.AccelHardware)
	te.pages = 16384
	_, err := Build(Config{RAMSize: 32 << 20, CPUs: 1}, te.env())
	if !errors.Is(err, ErrPageSizeMismatch) {
		t.Fatalf("Build error = %v, want ErrPageSizeMismatch", err)
	}
	if te.alloc.Allocated() != 0 {
		t.Fatalf("allocated %d bytes before the environment check", te.alloc.Allocated())
	}
}

func TestRegistrationFailureAborts(t *testing.T) {
	te := newTestEnv(hv.AccelHardware)
	te.accel.FailRegistration = 2
	m, err := Build(Config{RAMSize: 32 << 20, CPUs: 1}, te.env())
	if !errors.Is(err, hvtest.ErrInjected) {
		t.Fatalf("Build error = %v, want injected failure", err)
	}
	if m != nil || !te.alloc.Closed() {
		t.Fatalf("partial machine returned or memory kept")
	}
}

func TestAttachRequiresFabric(t *testing.T) {
	b := &builder{}
	if err := b.attachDevices(); !errors.Is(err, ErrFabricNotReady) {
		t.Fatalf("attachDevices error = %v, want ErrFabricNotReady", err)
	}
}

func TestTopologyIsRepeatable(t *testing.T) {
	cfg := func() Config {
		return Config{
			RAMSize: 4 << 30,
			CPUs:    4,
			PCI:     true,
			ACPI:    true,
			USB:     true,
			NICs:    []pc.NICConfig{{}, {Model: "e1000"}},
			Serial:  []io.Writer{nil},
			Sound:   []string{"es1370"},
		}
	}
	te1 := newTestEnv(hv.AccelHardware)
	m1 := te1.build(t, cfg())
	te2 := newTestEnv(hv.AccelHardware)
	m2 := te2.build(t, cfg())

	if !reflect.DeepEqual(m1.Topology(), m2.Topology()) {
		t.Fatalf("topologies differ:\n%+v\n%+v", m1.Topology(), m2.Topology())
	}
	if m1.Hash() != m2.Hash() {
		t.Fatalf("hash %s != %s", m1.Hash(), m2.Hash())
	}

	te3 := newTestEnv(hv.AccelHardware)
	other := cfg()
	other.NICs = other.NICs[:1]
	if m3 := te3.build(t, other); m3.Hash() == m1.Hash() {
		t.Fatalf("different topologies share a hash")
	}
}

func TestEndToEndPCIWithACPI(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	m := te.build(t, Config{
		RAMSize: 2 << 30,
		CPUs:    1,
		PCI:     true,
		ACPI:    true,
		NICs:    []pc.NICConfig{{}},
	})

	var ram []MemoryRegion
	for _, r := range m.Regions() {
		if r.Purpose.IsRAM() {
			ram = append(ram, r)
		}
	}
	if len(ram) != 1 || ram[0].Base != 0 || ram[0].Size != 2<<30 {
		t.Fatalf("RAM regions = %v", ram)
	}

	if m.PCIBus() == nil || m.SouthBridge() == nil {
		t.Fatalf("no PCI fabric")
	}
	if slot := m.SouthBridge().Function().Slot(); slot != pci.PIIX3Slot {
		t.Fatalf("south bridge in slot %d, want %d", slot, pci.PIIX3Slot)
	}
	if _, ok := m.PCIBus().Function(m.SouthBridge().DevFn() + pci.PIIX3IDEFunc); !ok {
		t.Fatalf("IDE function missing")
	}

	var nic *pc.NIC
	for _, d := range m.Devices() {
		if n, ok := d.(*pc.NIC); ok {
			nic = n
		}
	}
	if nic == nil || nic.Function() == nil {
		t.Fatalf("NIC not attached on PCI")
	}
	if nic.Model() != pc.NICModelNE2000PCI || nic.Function().DeviceID() != 0x8029 {
		t.Fatalf("NIC = %s %04x", nic.Model(), nic.Function().DeviceID())
	}

	pm, ok := m.PCIBus().Function(m.SouthBridge().DevFn() + pci.PIIX3PMFunc)
	if !ok || pm.DeviceID() != 0x7113 {
		t.Fatalf("power management function missing")
	}
	addrs := m.SMBus().Addresses()
	if len(addrs) != SPDSockets {
		t.Fatalf("%d SMBus devices, want %d", len(addrs), SPDSockets)
	}
	for i, a := range addrs {
		if a != uint8(SPDBaseAddress+i) {
			t.Fatalf("SMBus device %d at 0x%x", i, a)
		}
	}
	if got := m.SMBus().ReadByteData(SPDBaseAddress, pc.SPDChecksumOffset); got != pc.SPDChecksum(m.SPD()[:pc.SPDSize]) {
		t.Fatalf("SPD checksum 0x%x", got)
	}

	if len(m.PAMSegments()) == 0 {
		t.Fatalf("host bridge memory mappings not initialised")
	}
}

func TestISAOnlyMachine(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	m := te.build(t, Config{
		RAMSize: 64 << 20,
		CPUs:    1,
		ACPI:    true,
		USB:     true,
		Drives:  []pc.Drive{{Path: "disk.img"}, {}, {Path: "cd.iso", CDROM: true}},
		Sound:   []string{"sb16", "es1370"},
	})
	if m.PCIBus() != nil || m.SMBus() != nil {
		t.Fatalf("PCI-only devices present without PCI")
	}
	for _, name := range []string{"ide0", "ide1", "i8042", "i8237", "fdc", "sb16", "vga-std"} {
		if _, ok := m.Device(name); !ok {
			t.Fatalf("device %s missing; have %v", name, m.Chipset().DeviceNames())
		}
	}
	if _, ok := m.Device("es1370"); ok {
		t.Fatalf("PCI sound card attached without PCI")
	}
	if owner, _ := m.Chipset().PortOwner(0x3f6); owner != "ide0" {
		t.Fatalf("0x3f6 owned by %q", owner)
	}
	ide1, _ := m.Device("ide1")
	if n := ide1.(*pc.IDEChannel).Attached(); n != 1 {
		t.Fatalf("ide1 has %d drives", n)
	}
}

func TestFramebufferMappedByDisplay(t *testing.T) {
	te := newTestEnv(hv.AccelSoftware)
	m := te.build(t, Config{RAMSize: 64 << 20, CPUs: 1, PCI: true, VGA: pc.VGACirrus})

	var fb MemoryRegion
	for _, r := range m.Regions() {
		if r.Purpose == PurposeFramebuffer {
			fb = r
		}
	}
	if fb.Base != pc.LinearFramebufferBase || fb.Size != DefaultVGARAMSize {
		t.Fatalf("framebuffer = %s base 0x%x", fb, fb.Base)
	}
	if mp, ok := m.PhysMap().Lookup(pc.LinearFramebufferBase); !ok || mp.Block == nil {
		t.Fatalf("framebuffer not in the physical map")
	}
}

func TestBuildWithSoftwareBackend(t *testing.T) {
	alloc := hvtest.NewAllocator()
	m, err := Build(Config{RAMSize: 8 << 20, CPUs: 1}, Env{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Accelerator:  tcg.New(),
		Allocator:    alloc,
		HostPageSize: DefaultTargetPageSize,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !alloc.Closed() {
		t.Fatalf("allocator not closed")
	}
}
