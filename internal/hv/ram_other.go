//go:build !(linux || darwin)

package hv

import "os"

func HostPageSize() int {
	return os.Getpagesize()
}

func mapAnonymous(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnonymous([]byte) error { return nil }
