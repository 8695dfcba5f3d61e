package pc

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/ipf/internal/chipset"
)

const (
	uartTHR = 0
	uartLCR = 3
	uartLSR = 5

	lcrDLAB = 0x80
	// Transmitter holding register and shift register empty.
	lsrTxIdle = 0x60
)

// Serial is a 16550-compatible UART. Transmitted bytes go to the backend.
type Serial struct {
	base
	port    uint16
	irq     uint8
	line    chipset.LineInterrupt
	backend io.Writer

	mu  sync.Mutex
	lcr byte
	dll byte
	dlm byte
}

func (s *Serial) Resources() chipset.Resources {
	return chipset.Resources{
		Ports:     []chipset.PortRange{{Base: s.port, Count: 8}},
		IRQs:      []uint8{s.irq},
		SharedIRQ: true,
	}
}

func (s *Serial) Reset() error {
	s.mu.Lock()
	s.lcr, s.dll, s.dlm = 0, 0, 0
	s.mu.Unlock()
	s.line.SetLevel(false)
	return nil
}

// ReadIOPort implements the line status register; other registers read 0.
func (s *Serial) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("%s: invalid read size %d", s.name, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch port - s.port {
	case uartLCR:
		data[0] = s.lcr
	case uartLSR:
		data[0] = lsrTxIdle
	default:
		data[0] = 0
	}
	return nil
}

// WriteIOPort handles the transmit holding, divisor and line control registers.
func (s *Serial) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("%s: invalid write size %d", s.name, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch port - s.port {
	case uartTHR:
		if s.lcr&lcrDLAB != 0 {
			s.dll = data[0]
			return nil
		}
		if s.backend != nil {
			if _, err := s.backend.Write(data); err != nil {
				return fmt.Errorf("%s: transmit: %w", s.name, err)
			}
		}
	case 1:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = data[0]
		}
	case uartLCR:
		s.lcr = data[0]
	}
	return nil
}

// Divisor returns the programmed baud rate divisor.
func (s *Serial) Divisor() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint16(s.dlm)<<8 | uint16(s.dll)
}

func newSerial(port uint16, irq uint8, line chipset.LineInterrupt, backend io.Writer) *Serial {
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	return &Serial{
		base:    base{name: fmt.Sprintf("serial@0x%x", port)},
		port:    port,
		irq:     irq,
		line:    line,
		backend: backend,
	}
}

// Parallel is a printer port.
type Parallel struct {
	base
	port    uint16
	count   uint16
	irq     uint8
	backend io.Writer
}

func (p *Parallel) Resources() chipset.Resources {
	return chipset.Resources{
		Ports:     []chipset.PortRange{{Base: p.port, Count: p.count}},
		IRQs:      []uint8{p.irq},
		SharedIRQ: true,
	}
}

// WriteIOPort forwards bytes latched in the data register.
func (p *Parallel) WriteIOPort(port uint16, data []byte) error {
	if port != p.port || p.backend == nil {
		return nil
	}
	_, err := p.backend.Write(data)
	return err
}

func newParallel(port, count uint16, irq uint8, backend io.Writer) *Parallel {
	return &Parallel{
		base:    base{name: fmt.Sprintf("parallel@0x%x", port)},
		port:    port,
		count:   count,
		irq:     irq,
		backend: backend,
	}
}
