//go:build !linux || !(amd64 || arm64)

package kvm

import "github.com/tinyrange/ipf/internal/hv"

// Open reports that KVM is unavailable on this host.
func Open() (hv.Accelerator, error) {
	return nil, hv.ErrHypervisorUnsupported
}
