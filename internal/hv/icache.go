package hv

// CacheLineSize is the flush granularity used when publishing code.
const CacheLineSize = 32

// SweepInstructionCache flushes every cache line from addr through one line
// past addr+length, then calls serialize once. The trailing flush is clamped
// to the last byte of the buffer so no address outside it is touched. flush
// and serialize may be nil when nothing needs to be issued.
func SweepInstructionCache(addr uintptr, length int, flush func(uintptr), serialize func()) int {
	if length <= 0 {
		return 0
	}
	lines := 0
	for l := 0; l < length+CacheLineSize; l += CacheLineSize {
		off := l
		if off >= length {
			off = length - 1
		}
		if flush != nil {
			flush(addr + uintptr(off))
		}
		lines++
	}
	if serialize != nil {
		serialize()
	}
	return lines
}
