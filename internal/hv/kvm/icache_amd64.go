//go:build linux

package kvm

// flushCacheLine writes back the line holding addr with CLFLUSH.
func flushCacheLine(addr uintptr)

// serializeInstructions fences the flushes and serializes the pipeline.
func serializeInstructions()
