package machine

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/ipf/internal/chipset"
	"github.com/tinyrange/ipf/internal/hv"
)

const (
	// ResetVector is the architectural entry point at the top of the
	// firmware window.
	ResetVector = HighMemoryBase - 0x50

	cpuSnapshotName    = "cpu"
	cpuSnapshotVersion = 4
)

// CPUState is the architectural state saved with a processor.
type CPUState struct {
	IP  uint64
	PSR uint64
	CFM uint64
	GR  [128]uint64
	BR  [8]uint64
}

// CPU is one virtual processor of the cluster.
type CPU struct {
	index         int
	haltedAtReset bool

	mu      sync.Mutex
	halted  bool
	pending bool
	state   CPUState
}

func newCPU(index int) *CPU {
	c := &CPU{index: index, haltedAtReset: index != 0}
	c.reset()
	return c
}

func (c *CPU) Index() int { return c.index }

// HaltedAtReset reports whether the processor waits for a start-up IPI.
func (c *CPU) HaltedAtReset() bool { return c.haltedAtReset }

func (c *CPU) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

func (c *CPU) State() CPUState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InterruptPending reports the level of the external interrupt input.
func (c *CPU) InterruptPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// InterruptLine is the processor's external interrupt input.
func (c *CPU) InterruptLine() chipset.LineInterrupt {
	return chipset.LineInterruptFromFunc(func(level bool) {
		c.mu.Lock()
		c.pending = level
		c.mu.Unlock()
	})
}

func (c *CPU) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CPUState{IP: ResetVector}
	c.halted = c.haltedAtReset
	c.pending = false
}

type cpuRecord struct {
	Halted uint8
	_      [7]byte
	State  CPUState
}

func (c *CPU) save(w io.Writer) error {
	c.mu.Lock()
	rec := cpuRecord{State: c.state}
	if c.halted {
		rec.Halted = 1
	}
	c.mu.Unlock()
	return binary.Write(w, binary.LittleEndian, &rec)
}

func (c *CPU) load(r io.Reader, version uint32) error {
	if version != cpuSnapshotVersion {
		return fmt.Errorf("cpu %d: unsupported state version %d", c.index, version)
	}
	var rec cpuRecord
	if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
		return fmt.Errorf("cpu %d: %w", c.index, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = rec.State
	c.halted = rec.Halted != 0
	return nil
}

// initCPUs creates the cluster. Every processor but the first is halted at
// reset, and each registers its reset callback and snapshot section.
func (b *builder) initCPUs() error {
	if b.cfg.CPUs < 1 {
		return fmt.Errorf("%d CPUs: %w", b.cfg.CPUs, ErrNoCPUs)
	}

	for i := 0; i < b.cfg.CPUs; i++ {
		cpu := newCPU(i)
		b.env.Resets.RegisterReset(fmt.Sprintf("cpu%d", i), cpu.reset)
		if err := b.env.Snapshots.RegisterSnapshot(hv.SnapshotSection{
			Name:     cpuSnapshotName,
			Instance: i,
			Version:  cpuSnapshotVersion,
			Save:     cpu.save,
			Load:     cpu.load,
		}); err != nil {
			return fmt.Errorf("register cpu %d snapshot: %w", i, err)
		}
		b.cpus = append(b.cpus, cpu)
	}
	b.log.Debug("machine: CPUs created", "count", len(b.cpus))
	return nil
}
