package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultImageName)
	want := bytes.Repeat([]byte{0xaa, 0x55}, 4096)
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	got, err := FileReader{}.ReadImage(path)
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("image mismatch: got %d bytes", len(got))
	}

	if _, err := (FileReader{}).ReadImage(filepath.Join(dir, "missing.fd")); !errors.Is(err, ErrImageMissing) {
		t.Fatalf("missing image error = %v", err)
	}

	empty := filepath.Join(dir, "empty.fd")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("write empty image: %v", err)
	}
	if _, err := (FileReader{}).ReadImage(empty); !errors.Is(err, ErrImageEmpty) {
		t.Fatalf("empty image error = %v", err)
	}
}

func TestPlaceEndsFlushWithWindow(t *testing.T) {
	window := make([]byte, 64)
	image := []byte{1, 2, 3, 4}
	off, err := Place(window, image)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if off != 60 {
		t.Fatalf("offset = %d, want 60", off)
	}
	if !bytes.Equal(window[60:], image) {
		t.Fatalf("window tail = %v", window[60:])
	}

	if _, err := Place(window, make([]byte, 65)); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("oversized image error = %v", err)
	}
	if _, err := Place(window, nil); !errors.Is(err, ErrImageEmpty) {
		t.Fatalf("empty image error = %v", err)
	}
}

func TestBuildHOB(t *testing.T) {
	mem := []MemoryDescriptor{
		{Base: 0, Size: 3 << 30, Kind: MemoryRAM},
		{Base: 4 << 30, Size: 1 << 30, Kind: MemoryRAM},
	}
	hob, err := BuildHOB(mem, 4, 64<<10)
	if err != nil {
		t.Fatalf("BuildHOB: %v", err)
	}
	if string(hob[:8]) != HOBSignature {
		t.Fatalf("signature = %q", hob[:8])
	}
	if n := binary.LittleEndian.Uint32(hob[12:]); n != 4 {
		t.Fatalf("entry count = %d, want 4", n)
	}

	// Second memory entry.
	e := hob[hobHeaderSize+memoryEntry:]
	if binary.LittleEndian.Uint16(e) != HOBMemory {
		t.Fatalf("entry type = %d", binary.LittleEndian.Uint16(e))
	}
	if base := binary.LittleEndian.Uint64(e[4:]); base != 4<<30 {
		t.Fatalf("base = 0x%x", base)
	}

	cpu := hob[hobHeaderSize+2*memoryEntry:]
	if binary.LittleEndian.Uint16(cpu) != HOBCPU || binary.LittleEndian.Uint32(cpu[4:]) != 4 {
		t.Fatalf("cpu entry = %x", cpu[:cpuEntry])
	}
	end := hob[len(hob)-entryHeader:]
	if binary.LittleEndian.Uint16(end) != HOBEnd {
		t.Fatalf("missing terminator")
	}

	if _, err := BuildHOB(mem, 1, 32); !errors.Is(err, ErrHOBTooLarge) {
		t.Fatalf("small block error = %v", err)
	}
}
