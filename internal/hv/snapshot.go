package hv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

var ErrSnapshotDuplicate = errors.New("snapshot section already registered")

// SaveFunc serialises one section.
type SaveFunc func(w io.Writer) error

// LoadFunc restores one section written with the given section version.
type LoadFunc func(r io.Reader, version uint32) error

// SnapshotSection is a save/restore pair keyed by name and instance.
type SnapshotSection struct {
	Name     string
	Instance int
	Version  uint32
	Save     SaveFunc
	Load     LoadFunc
}

// SnapshotRegistry accepts sections to include in machine snapshots.
type SnapshotRegistry interface {
	RegisterSnapshot(section SnapshotSection) error
}

type sectionKey struct {
	name     string
	instance int
}

// Snapshots is an in-process SnapshotRegistry that can write and read a
// complete snapshot stream.
type Snapshots struct {
	mu       sync.Mutex
	sections []SnapshotSection
	index    map[sectionKey]int
}

func NewSnapshots() *Snapshots {
	return &Snapshots{index: make(map[sectionKey]int)}
}

// RegisterSnapshot implements SnapshotRegistry.
func (s *Snapshots) RegisterSnapshot(section SnapshotSection) error {
	if section.Name == "" {
		return fmt.Errorf("snapshot: section name is empty")
	}
	if section.Save == nil || section.Load == nil {
		return fmt.Errorf("snapshot: section %s/%d missing save or load", section.Name, section.Instance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sectionKey{section.Name, section.Instance}
	if _, ok := s.index[key]; ok {
		return fmt.Errorf("snapshot: %s/%d: %w", section.Name, section.Instance, ErrSnapshotDuplicate)
	}
	s.index[key] = len(s.sections)
	s.sections = append(s.sections, section)
	return nil
}

// Sections returns the registered sections in registration order.
func (s *Snapshots) Sections() []SnapshotSection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SnapshotSection(nil), s.sections...)
}

// Save writes every section to w.
func (s *Snapshots) Save(w io.Writer) error {
	sections := s.Sections()

	hdr := []uint32{SnapshotMagic, SnapshotVersion, uint32(len(sections))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}

	for _, sec := range sections {
		var payload bytes.Buffer
		if err := sec.Save(&payload); err != nil {
			return fmt.Errorf("snapshot: save %s/%d: %w", sec.Name, sec.Instance, err)
		}
		if err := writeSectionHeader(w, sec, uint32(payload.Len())); err != nil {
			return err
		}
		if _, err := w.Write(payload.Bytes()); err != nil {
			return fmt.Errorf("snapshot: write %s/%d: %w", sec.Name, sec.Instance, err)
		}
	}
	return nil
}

func writeSectionHeader(w io.Writer, sec SnapshotSection, length uint32) error {
	if len(sec.Name) > 0xffff {
		return fmt.Errorf("snapshot: section name too long")
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(sec.Name))); err != nil {
		return fmt.Errorf("snapshot: write section name: %w", err)
	}
	if _, err := io.WriteString(w, sec.Name); err != nil {
		return fmt.Errorf("snapshot: write section name: %w", err)
	}
	fields := []uint32{uint32(sec.Instance), sec.Version, length}
	if err := binary.Write(w, binary.LittleEndian, fields); err != nil {
		return fmt.Errorf("snapshot: write section header: %w", err)
	}
	return nil
}

// Load restores every section found in r. Each record must match a
// registered section whose version is at least the recorded one.
func (s *Snapshots) Load(r io.Reader) error {
	var hdr [3]uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("snapshot: read header: %w", err)
	}
	if hdr[0] != SnapshotMagic {
		return fmt.Errorf("snapshot: bad magic 0x%08x", hdr[0])
	}
	if hdr[1] != SnapshotVersion {
		return fmt.Errorf("snapshot: unsupported version %d", hdr[1])
	}

	for i := uint32(0); i < hdr[2]; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return fmt.Errorf("snapshot: read section %d: %w", i, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return fmt.Errorf("snapshot: read section %d name: %w", i, err)
		}
		var fields [3]uint32
		if err := binary.Read(r, binary.LittleEndian, &fields); err != nil {
			return fmt.Errorf("snapshot: read section %s header: %w", name, err)
		}
		instance, version, length := int(fields[0]), fields[1], fields[2]

		s.mu.Lock()
		idx, ok := s.index[sectionKey{string(name), instance}]
		var sec SnapshotSection
		if ok {
			sec = s.sections[idx]
		}
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("snapshot: unknown section %s/%d", name, instance)
		}
		if version > sec.Version {
			return fmt.Errorf("snapshot: section %s/%d version %d newer than supported %d",
				name, instance, version, sec.Version)
		}

		payload := io.LimitReader(r, int64(length))
		if err := sec.Load(payload, version); err != nil {
			return fmt.Errorf("snapshot: load %s/%d: %w", name, instance, err)
		}
		// Skip anything the loader did not consume.
		if _, err := io.Copy(io.Discard, payload); err != nil {
			return fmt.Errorf("snapshot: skip %s/%d: %w", name, instance, err)
		}
	}
	return nil
}

var _ SnapshotRegistry = &Snapshots{}
