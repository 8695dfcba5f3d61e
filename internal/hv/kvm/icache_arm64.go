//go:build linux

package kvm

// flushCacheLine cleans the data line holding addr to the point of
// unification and invalidates the matching instruction line.
func flushCacheLine(addr uintptr)

// serializeInstructions waits for the maintenance to finish and flushes the
// pipeline.
func serializeInstructions()
