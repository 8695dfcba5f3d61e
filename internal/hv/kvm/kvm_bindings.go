//go:build linux && (amd64 || arm64)

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func getApiVersion(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmGetApiVersion, 0)
	return int(v), err
}

func createVm(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCreateVm, 0)
	return int(v), err
}

func checkExtension(fd int, capability int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(capability))
	return int(v), err
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}
