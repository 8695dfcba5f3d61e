package pc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/ipf/internal/chipset"
)

// Fixed legacy lines.
const (
	KeyboardIRQ = 1
	MouseIRQ    = 12
	FloppyIRQ   = 6
	FloppyDMA   = 2
)

// Keyboard is the i8042 keyboard and mouse controller. Only the
// controller command set is modelled; no PS/2 devices are attached.
type Keyboard struct {
	base
	kbd   chipset.LineInterrupt
	mouse chipset.LineInterrupt

	mu          sync.Mutex
	commandByte byte
	output      byte
	outputFull  bool
	// pendingWrite is the controller command awaiting its data byte.
	pendingWrite byte
}

const (
	kbdDataPort    = 0x60
	kbdCommandPort = 0x64

	kbdReadCommandByte  = 0x20
	kbdWriteCommandByte = 0x60
	kbdSelfTest         = 0xaa
	kbdTestFirstPort    = 0xab
	kbdDisableFirstPort = 0xad
	kbdEnableFirstPort  = 0xae
	kbdPulseReset       = 0xfe

	kbdStatusOutputFull = 1 << 0
	kbdStatusUnlocked   = 1 << 4

	kbdCmdInterrupt    = 1 << 0
	kbdCmdSystemFlag   = 1 << 2
	kbdCmdDisablePort1 = 1 << 4

	kbdSelfTestOK = 0x55
)

// ErrResetRequested is returned when the guest pulses the reset line
// through the keyboard controller.
var ErrResetRequested = errors.New("guest requested reset")

func (k *Keyboard) Resources() chipset.Resources {
	return chipset.Resources{
		Ports: []chipset.PortRange{{Base: kbdDataPort, Count: 1}, {Base: kbdCommandPort, Count: 1}},
		IRQs:  []uint8{KeyboardIRQ, MouseIRQ},
	}
}

func (k *Keyboard) ReadIOPort(port uint16, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i := range data {
		switch port {
		case kbdCommandPort:
			status := byte(kbdStatusUnlocked) | k.commandByte&kbdCmdSystemFlag
			if k.outputFull {
				status |= kbdStatusOutputFull
			}
			data[i] = status
		case kbdDataPort:
			data[i] = k.output
			if k.outputFull {
				k.outputFull = false
				k.kbd.SetLevel(false)
			}
		default:
			return fmt.Errorf("%s: invalid read port 0x%04x", k.name, port)
		}
	}
	return nil
}

func (k *Keyboard) WriteIOPort(port uint16, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, v := range data {
		switch port {
		case kbdCommandPort:
			if err := k.commandLocked(v); err != nil {
				return err
			}
		case kbdDataPort:
			if k.pendingWrite == kbdWriteCommandByte {
				k.commandByte = v
			}
			k.pendingWrite = 0
		default:
			return fmt.Errorf("%s: invalid write port 0x%04x", k.name, port)
		}
	}
	return nil
}

func (k *Keyboard) commandLocked(cmd byte) error {
	switch cmd {
	case kbdReadCommandByte:
		k.queueLocked(k.commandByte)
	case kbdWriteCommandByte:
		k.pendingWrite = cmd
	case kbdSelfTest:
		k.queueLocked(kbdSelfTestOK)
	case kbdTestFirstPort:
		k.queueLocked(0)
	case kbdDisableFirstPort:
		k.commandByte |= kbdCmdDisablePort1
	case kbdEnableFirstPort:
		k.commandByte &^= kbdCmdDisablePort1
	case kbdPulseReset:
		return fmt.Errorf("%s: %w", k.name, ErrResetRequested)
	}
	return nil
}

func (k *Keyboard) queueLocked(v byte) {
	k.output = v
	k.outputFull = true
	if k.commandByte&kbdCmdInterrupt != 0 {
		k.kbd.SetLevel(true)
	}
}

func (k *Keyboard) Reset() error {
	k.mu.Lock()
	k.commandByte = kbdCmdSystemFlag
	k.outputFull = false
	k.pendingWrite = 0
	k.mu.Unlock()

	k.kbd.SetLevel(false)
	k.mouse.SetLevel(false)
	return nil
}

func newKeyboard(kbd, mouse chipset.LineInterrupt) *Keyboard {
	if kbd == nil {
		kbd = chipset.LineInterruptDetached()
	}
	if mouse == nil {
		mouse = chipset.LineInterruptDetached()
	}
	return &Keyboard{base: base{name: "i8042"}, kbd: kbd, mouse: mouse, commandByte: kbdCmdSystemFlag}
}

// DMA is the pair of cascaded 8237 controllers with their page registers.
type DMA struct {
	base
	highPageEnable bool
}

func (d *DMA) HighPageEnabled() bool { return d.highPageEnable }

func (d *DMA) Resources() chipset.Resources {
	ports := []chipset.PortRange{
		{Base: 0x00, Count: 0x10},
		{Base: 0x81, Count: 0x0f},
		{Base: 0xc0, Count: 0x20},
	}
	if d.highPageEnable {
		ports = append(ports, chipset.PortRange{Base: 0x481, Count: 0x0f})
	}
	return chipset.Resources{Ports: ports}
}

func newDMA(highPageEnable bool) *DMA {
	return &DMA{base: base{name: "i8237"}, highPageEnable: highPageEnable}
}

// MaxFloppyDrives is the number of drives one controller serves.
const MaxFloppyDrives = 2

// Floppy is the 82078 floppy disk controller.
type Floppy struct {
	base
	line   chipset.LineInterrupt
	dma    int
	drives [MaxFloppyDrives]*Drive
}

func (f *Floppy) Drives() [MaxFloppyDrives]*Drive { return f.drives }
func (f *Floppy) DMAChannel() int                 { return f.dma }

func (f *Floppy) Resources() chipset.Resources {
	return chipset.Resources{
		// 0x3f6 belongs to the primary IDE channel.
		Ports: []chipset.PortRange{{Base: 0x3f1, Count: 5}, {Base: 0x3f7, Count: 1}},
		IRQs:  []uint8{FloppyIRQ},
	}
}

func (f *Floppy) Reset() error {
	f.line.SetLevel(false)
	return nil
}

func newFloppy(line chipset.LineInterrupt, dma int, drives [MaxFloppyDrives]*Drive) *Floppy {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	return &Floppy{base: base{name: "fdc"}, line: line, dma: dma, drives: drives}
}
