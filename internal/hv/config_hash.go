package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// VMConfigHash identifies a constructed topology. Two builds from identical
// input on fresh backends must produce the same hash.
type VMConfigHash [32]byte

// RegionConfig captures one planned memory region for hashing.
type RegionConfig struct {
	Purpose string
	Base    uint64
	Size    uint64
}

// DeviceConfig captures device placement for hashing.
type DeviceConfig struct {
	ID      string
	Bus     string
	Base    uint64
	Size    uint64
	IRQLine uint32
	DevFn   int32 // -1 for devices that are not on PCI
}

// ComputeConfigHash computes a deterministic hash of a machine topology.
func ComputeConfigHash(accel AccelKind, regions []RegionConfig, cpuCount int, devices []DeviceConfig) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(accel))
	h.Write([]byte{0})

	var buf [8]byte
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	putString := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	for _, r := range regions {
		putString(r.Purpose)
		putU64(r.Base)
		putU64(r.Size)
	}

	putU64(uint64(cpuCount))

	// Order matters.
	for _, dc := range devices {
		putString(dc.ID)
		putString(dc.Bus)
		putU64(dc.Base)
		putU64(dc.Size)
		binary.LittleEndian.PutUint32(buf[:4], dc.IRQLine)
		h.Write(buf[:4])
		binary.LittleEndian.PutUint32(buf[:4], uint32(dc.DevFn))
		h.Write(buf[:4])
	}

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h VMConfigHash) String() string {
	return hex.EncodeToString(h[:])
}
