package factory

import (
	"fmt"

	"github.com/tinyrange/ipf/internal/hv"
	"github.com/tinyrange/ipf/internal/hv/kvm"
	"github.com/tinyrange/ipf/internal/hv/tcg"
)

// Open returns the backend for kind. Hardware acceleration is only
// available where the host kernel offers it.
func Open(kind hv.AccelKind) (hv.Accelerator, error) {
	switch kind {
	case hv.AccelSoftware:
		return tcg.New(), nil
	case hv.AccelHardware:
		return kvm.Open()
	default:
		return nil, fmt.Errorf("factory: unknown accelerator %q", kind)
	}
}
