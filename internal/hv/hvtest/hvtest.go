// Package hvtest provides in-memory backends for exercising machine
// construction without host virtualization support.
package hvtest

import (
	"errors"
	"sync"

	"github.com/tinyrange/ipf/internal/hv"
)

var ErrInjected = errors.New("hvtest: injected failure")

// Accelerator records shadow registrations. With Kind AccelHardware it uses
// the legacy low-memory layout, otherwise the flat one.
type Accelerator struct {
	mu sync.Mutex

	kind   hv.AccelKind
	shadow *hv.AddressSpace

	// FailRegistration, when > 0, fails the n-th RegisterMemory call.
	FailRegistration int

	calls      int
	sweptLines int
	synced     [][]byte
	closed     bool
}

func NewAccelerator(kind hv.AccelKind) *Accelerator {
	return &Accelerator{kind: kind, shadow: hv.NewAddressSpace("hvtest-shadow")}
}

func (a *Accelerator) Kind() hv.AccelKind { return a.kind }

func (a *Accelerator) LowMemoryLayout(size uint64) []hv.Range {
	if a.kind == hv.AccelHardware {
		return hv.LegacyLowMemoryLayout(size)
	}
	return hv.FlatLayout(size)
}

func (a *Accelerator) RegisterMemory(base uint64, block hv.RAMBlock) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls++
	if a.FailRegistration > 0 && a.calls == a.FailRegistration {
		return ErrInjected
	}
	return a.shadow.RegisterRAM("shadow", base, block)
}

func (a *Accelerator) SyncInstructionCache(code []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.synced = append(a.synced, code)
	n := hv.SweepInstructionCache(0, len(code), nil, nil)
	a.sweptLines += n
	return n
}

func (a *Accelerator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Shadow returns every range registered with the backend.
func (a *Accelerator) Shadow() []hv.Mapping { return a.shadow.Mappings() }

// Synced returns the buffers passed to SyncInstructionCache.
func (a *Accelerator) Synced() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.synced...)
}

func (a *Accelerator) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

var _ hv.Accelerator = &Accelerator{}

type lazyBlock struct {
	once   sync.Once
	offset uint64
	size   uint64
	mem    []byte
}

func (b *lazyBlock) Offset() uint64 { return b.offset }
func (b *lazyBlock) Size() uint64   { return b.size }

func (b *lazyBlock) Bytes() []byte {
	b.once.Do(func() { b.mem = make([]byte, b.size) })
	return b.mem
}

// Allocator hands out blocks whose host memory is only created when
// Bytes is called, so multi-gigabyte layouts can be planned in tests.
type Allocator struct {
	mu     sync.Mutex
	next   uint64
	blocks []*lazyBlock
	closed bool
}

func NewAllocator() *Allocator {
	return &Allocator{}
}

func (a *Allocator) Allocate(size uint64) (hv.RAMBlock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return nil, errors.New("hvtest: zero-size allocation")
	}
	b := &lazyBlock{offset: a.next, size: size}
	a.next += size
	a.blocks = append(a.blocks, b)
	return b, nil
}

// Allocated returns the total bytes handed out.
func (a *Allocator) Allocated() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *Allocator) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

var _ hv.RAMAllocator = &Allocator{}
