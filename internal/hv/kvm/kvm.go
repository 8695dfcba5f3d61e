//go:build linux && (amd64 || arm64)

package kvm

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/ipf/internal/hv"
)

// Accelerator runs guests through /dev/kvm. Every registered range becomes
// its own user memory slot.
type Accelerator struct {
	mu sync.Mutex

	fd       int
	vmFd     int
	nextSlot uint32
	maxSlots int

	// shadow mirrors the slots handed to the kernel.
	shadow *hv.AddressSpace
}

// Open creates a KVM VM. Hosts without user memory slots are rejected.
func Open() (hv.Accelerator, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	userMem, err := checkExtension(fd, kvmCapUserMemory)
	if err != nil || userMem == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: user memory slots unavailable: %w", hv.ErrHypervisorUnsupported)
	}

	maxSlots, err := checkExtension(fd, kvmCapNrMemslots)
	if err != nil {
		maxSlots = 0
	}

	vmFd, err := createVm(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	return &Accelerator{
		fd:       fd,
		vmFd:     vmFd,
		maxSlots: maxSlots,
		shadow:   hv.NewAddressSpace("kvm"),
	}, nil
}

// Kind implements hv.Accelerator.
func (a *Accelerator) Kind() hv.AccelKind { return hv.AccelHardware }

// LowMemoryLayout implements hv.Accelerator.
func (a *Accelerator) LowMemoryLayout(size uint64) []hv.Range {
	return hv.LegacyLowMemoryLayout(size)
}

// RegisterMemory implements hv.Accelerator.
func (a *Accelerator) RegisterMemory(base uint64, block hv.RAMBlock) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxSlots > 0 && int(a.nextSlot) >= a.maxSlots {
		return fmt.Errorf("kvm: out of memory slots (%d)", a.maxSlots)
	}
	mem := block.Bytes()
	if len(mem) == 0 {
		return fmt.Errorf("kvm: empty block for 0x%x", base)
	}

	slot := a.nextSlot
	if err := a.shadow.RegisterRAM(fmt.Sprintf("slot%d", slot), base, block); err != nil {
		return err
	}

	if err := setUserMemoryRegion(a.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         0,
		GuestPhysAddr: base,
		MemorySize:    block.Size(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return fmt.Errorf("kvm: set user memory region slot %d at 0x%x: %w", slot, base, err)
	}

	a.nextSlot++
	slog.Debug("kvm: registered memory", "slot", slot, "base", fmt.Sprintf("0x%x", base), "size", block.Size())
	return nil
}

// SyncInstructionCache implements hv.Accelerator.
func (a *Accelerator) SyncInstructionCache(code []byte) int {
	if len(code) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&code[0]))
	return hv.SweepInstructionCache(addr, len(code), flushCacheLine, serializeInstructions)
}

// Shadow returns the ranges registered with the kernel.
func (a *Accelerator) Shadow() []hv.Mapping {
	return a.shadow.Mappings()
}

// Close implements hv.Accelerator.
func (a *Accelerator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	if a.vmFd >= 0 {
		if err := unix.Close(a.vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
			firstErr = err
		}
		a.vmFd = -1
	}
	if a.fd >= 0 {
		if err := unix.Close(a.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		a.fd = -1
	}
	return firstErr
}

var (
	_ hv.Accelerator = &Accelerator{}
)
