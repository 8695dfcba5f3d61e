//go:build linux || darwin

package hv

import "golang.org/x/sys/unix"

// HostPageSize returns the page size of the host kernel.
func HostPageSize() int {
	return unix.Getpagesize()
}

func mapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
}

func unmapAnonymous(mem []byte) error {
	return unix.Munmap(mem)
}
