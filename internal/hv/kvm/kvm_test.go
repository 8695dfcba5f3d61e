//go:build linux && (amd64 || arm64)

package kvm

import (
	"errors"
	"testing"

	"github.com/tinyrange/ipf/internal/hv"
)

func openKVM(t testing.TB) *Accelerator {
	t.Helper()

	acc, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	t.Cleanup(func() {
		if err := acc.Close(); err != nil {
			t.Errorf("Close KVM accelerator: %v", err)
		}
	})
	return acc.(*Accelerator)
}

func TestOpen(t *testing.T) {
	acc := openKVM(t)
	if acc.Kind() != hv.AccelHardware {
		t.Fatalf("Kind = %q, want %q", acc.Kind(), hv.AccelHardware)
	}
}

func TestLowMemoryLayoutSkipsLegacyHole(t *testing.T) {
	acc := &Accelerator{}
	hole := hv.Range{Base: hv.LegacyHoleBase, Size: hv.LegacyHoleEnd - hv.LegacyHoleBase}
	for _, r := range acc.LowMemoryLayout(64 << 20) {
		if r.Overlaps(hole) {
			t.Fatalf("range %s overlaps legacy hole %s", r, hole)
		}
	}
}

func TestRegisterMemoryRejectsOverlap(t *testing.T) {
	acc := openKVM(t)

	alloc := hv.NewHostAllocator()
	defer alloc.Close()

	a, err := alloc.Allocate(0x200000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := alloc.Allocate(0x200000)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := acc.RegisterMemory(0, a); err != nil {
		t.Fatalf("register first block: %v", err)
	}
	err = acc.RegisterMemory(0x100000, b)
	if !errors.Is(err, hv.ErrRegionOverlap) {
		t.Fatalf("overlapping register error = %v, want ErrRegionOverlap", err)
	}
	if got := len(acc.Shadow()); got != 1 {
		t.Fatalf("shadow has %d slots, want 1", got)
	}
}

func TestSyncInstructionCacheSweepsTrailingLine(t *testing.T) {
	acc := &Accelerator{}
	code := make([]byte, 100)
	// 100 bytes plus one trailing line clamped to the last byte:
	// offsets 0,32,64,96,99.
	if got := acc.SyncInstructionCache(code); got != 5 {
		t.Fatalf("swept %d lines, want 5", got)
	}
	if got := acc.SyncInstructionCache(nil); got != 0 {
		t.Fatalf("empty sweep = %d lines, want 0", got)
	}
}
