package pc

import "math/bits"

const (
	// SPDSize is the size of one serial presence detect EEPROM.
	SPDSize = 256
	// SPDChecksumOffset holds the sum of bytes 0..62.
	SPDChecksumOffset = 63

	minModuleSize = 4 << 20
	maxModuleSize = 512 << 20
)

// SPD encodes a serial presence detect block for an SDRAM module of size
// bytes. A zero size yields an all-zero block for an empty socket.
func SPD(size uint64) []byte {
	data := make([]byte, SPDSize)
	if size == 0 {
		return data
	}

	data[0] = 128 // bytes written by the manufacturer
	data[1] = 8   // log2 of the EEPROM size
	data[2] = 4   // SDRAM
	data[3] = 12  // row address bits
	data[4] = 10  // column address bits
	data[5] = 1   // module banks
	data[6] = 64  // data width
	data[8] = 1   // LVTTL
	data[9] = 0x75
	data[10] = 0x54
	data[11] = 0 // no ECC
	data[12] = 0x80
	data[13] = 8
	data[17] = 4 // device banks
	data[18] = 0x06
	// Bank density as a bit per power of two starting at 4MiB.
	data[31] = byte(1 << (bits.Len64(size/minModuleSize) - 1))
	data[62] = 0x12

	data[SPDChecksumOffset] = SPDChecksum(data)
	return data
}

// SPDChecksum sums bytes 0..62 modulo 256.
func SPDChecksum(data []byte) byte {
	var sum byte
	for _, b := range data[:SPDChecksumOffset] {
		sum += b
	}
	return sum
}

// ModuleSizes spreads ram across at most sockets power-of-two modules,
// largest first. Memory that cannot be described is left out.
func ModuleSizes(ram uint64, sockets int) []uint64 {
	sizes := make([]uint64, sockets)
	remaining := ram
	for i := range sizes {
		if remaining < minModuleSize {
			break
		}
		size := uint64(1) << (bits.Len64(remaining) - 1)
		if size > maxModuleSize {
			size = maxModuleSize
		}
		sizes[i] = size
		remaining -= size
	}
	return sizes
}
