// Package tcg is the software-emulation backend. Guest RAM is reached
// through the machine's general physical map only, so registration is a
// single flat mapping per region and there is no backend-side map.
package tcg

import "github.com/tinyrange/ipf/internal/hv"

type Accelerator struct{}

func New() *Accelerator {
	return &Accelerator{}
}

func (*Accelerator) Kind() hv.AccelKind { return hv.AccelSoftware }

func (*Accelerator) LowMemoryLayout(size uint64) []hv.Range {
	return hv.FlatLayout(size)
}

func (*Accelerator) RegisterMemory(uint64, hv.RAMBlock) error { return nil }

// SyncInstructionCache is a no-op: the translator drops stale blocks when
// guest memory is written.
func (*Accelerator) SyncInstructionCache([]byte) int { return 0 }

func (*Accelerator) Close() error { return nil }

var _ hv.Accelerator = &Accelerator{}
