//go:build linux && (amd64 || arm64)

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmSetUserMemoryRegion = 0x4020ae46
)

const (
	kvmCapUserMemory = 3
	kvmCapNrMemslots = 10
)
