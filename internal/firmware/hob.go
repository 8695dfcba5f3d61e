package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HOBSignature opens the platform information block.
const HOBSignature = "HOBSIG64"

const hobVersion = 1

// Entry types.
const (
	HOBMemory uint16 = 1
	HOBCPU    uint16 = 2
	HOBEnd    uint16 = 0xffff
)

// MemoryKind tags a memory descriptor.
type MemoryKind uint32

const (
	MemoryRAM MemoryKind = iota + 1
	MemoryFirmware
	MemoryPlatformInfo
	MemoryMMIO
)

// MemoryDescriptor is one entry of the guest memory map handed to firmware.
type MemoryDescriptor struct {
	Base uint64
	Size uint64
	Kind MemoryKind
}

var ErrHOBTooLarge = errors.New("platform information does not fit its block")

const (
	hobHeaderSize = 16
	entryHeader   = 4
	memoryEntry   = entryHeader + 24
	cpuEntry      = entryHeader + 4
)

// BuildHOB encodes the hand-off block firmware reads at startup: a header,
// one entry per memory descriptor, the processor count and a terminator.
// All fields are little-endian.
func BuildHOB(mem []MemoryDescriptor, cpus int, capacity int) ([]byte, error) {
	size := hobHeaderSize + len(mem)*memoryEntry + cpuEntry + entryHeader
	if size > capacity {
		return nil, fmt.Errorf("%d bytes into %d: %w", size, capacity, ErrHOBTooLarge)
	}
	if cpus < 1 {
		return nil, fmt.Errorf("firmware: hand-off block needs at least one CPU")
	}

	buf := make([]byte, 0, size)
	buf = append(buf, HOBSignature...)
	buf = binary.LittleEndian.AppendUint32(buf, hobVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(mem)+2))

	for _, m := range mem {
		buf = binary.LittleEndian.AppendUint16(buf, HOBMemory)
		buf = binary.LittleEndian.AppendUint16(buf, memoryEntry)
		buf = binary.LittleEndian.AppendUint64(buf, m.Base)
		buf = binary.LittleEndian.AppendUint64(buf, m.Size)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, 0)
	}

	buf = binary.LittleEndian.AppendUint16(buf, HOBCPU)
	buf = binary.LittleEndian.AppendUint16(buf, cpuEntry)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(cpus))

	buf = binary.LittleEndian.AppendUint16(buf, HOBEnd)
	buf = binary.LittleEndian.AppendUint16(buf, entryHeader)
	return buf, nil
}
