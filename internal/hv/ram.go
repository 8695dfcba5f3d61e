package hv

import (
	"fmt"
	"sync"
)

type hostBlock struct {
	offset uint64
	size   uint64
	mem    []byte
}

func (b *hostBlock) Offset() uint64 { return b.offset }
func (b *hostBlock) Size() uint64   { return b.size }
func (b *hostBlock) Bytes() []byte  { return b.mem[:b.size] }

// HostAllocator backs guest RAM with anonymous host mappings. Offsets are
// handed out contiguously in allocation order, page aligned.
type HostAllocator struct {
	mu sync.Mutex

	pageSize uint64
	next     uint64
	blocks   []*hostBlock
}

func NewHostAllocator() *HostAllocator {
	return &HostAllocator{pageSize: uint64(HostPageSize())}
}

// Allocate implements RAMAllocator.
func (a *HostAllocator) Allocate(size uint64) (RAMBlock, error) {
	if size == 0 {
		return nil, fmt.Errorf("allocate memory: zero size")
	}
	mapped := alignUp(size, a.pageSize)
	maxInt := uint64(^uint(0) >> 1)
	if mapped > maxInt {
		return nil, fmt.Errorf("allocate memory: size %d exceeds host address limit", size)
	}

	mem, err := mapAnonymous(int(mapped))
	if err != nil {
		return nil, fmt.Errorf("allocate memory: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := &hostBlock{offset: a.next, size: size, mem: mem}
	a.next += mapped
	a.blocks = append(a.blocks, b)
	return b, nil
}

// Close releases every block. Blocks must not be used afterwards.
func (a *HostAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, b := range a.blocks {
		if err := unmapAnonymous(b.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("release memory at offset 0x%x: %w", b.offset, err)
		}
	}
	a.blocks = nil
	return firstErr
}

var _ RAMAllocator = &HostAllocator{}

type sliceBlock struct {
	parent RAMBlock
	off    uint64
	size   uint64
}

func (b *sliceBlock) Offset() uint64 { return b.parent.Offset() + b.off }
func (b *sliceBlock) Size() uint64   { return b.size }
func (b *sliceBlock) Bytes() []byte  { return b.parent.Bytes()[b.off : b.off+b.size] }

// Slice returns the part of block starting at off with the given size.
func Slice(block RAMBlock, off, size uint64) (RAMBlock, error) {
	if off+size < off || off+size > block.Size() {
		return nil, fmt.Errorf("slice [0x%x+0x%x) outside block of 0x%x bytes", off, size, block.Size())
	}
	return &sliceBlock{parent: block, off: off, size: size}, nil
}
