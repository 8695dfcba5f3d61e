package tcg

import (
	"testing"

	"github.com/tinyrange/ipf/internal/hv"
)

func TestFlatLowMemory(t *testing.T) {
	acc := New()
	got := acc.LowMemoryLayout(0x40000000)
	if len(got) != 1 || got[0] != (hv.Range{Base: 0, Size: 0x40000000}) {
		t.Fatalf("LowMemoryLayout = %v, want one flat range", got)
	}
	if acc.LowMemoryLayout(0) != nil {
		t.Fatalf("zero-size layout should be empty")
	}
}
