// Package console provides the headless display and character sink guest
// consoles are rendered into.
package console

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	DefaultCols = 80
	DefaultRows = 25
)

var ErrClosed = errors.New("console closed")

// Console is a virtual terminal fed by guest output. Terminal replies the
// emulator generates are drained so guest writes never stall on them.
type Console struct {
	mu     sync.Mutex
	emu    *vt.SafeEmulator
	closed bool

	raw  strings.Builder
	done chan struct{}
}

// New creates a console with a cols x rows screen.
func New(cols, rows int) *Console {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	emu := vt.NewSafeEmulator(cols, rows)
	swallowQueries(emu)

	c := &Console{emu: emu, done: make(chan struct{})}
	go c.drainReplies()
	return c
}

// swallowQueries stops status and attribute queries from producing replies
// that guests would read back as input.
func swallowQueries(emu *vt.SafeEmulator) {
	// Device Status Report: CSI 5 n and CSI 6 n.
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	// Device Attributes: CSI c and CSI > c
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

func (c *Console) drainReplies() {
	defer close(c.done)
	_, _ = io.Copy(io.Discard, c.emu)
}

// Write implements io.Writer.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	c.raw.Write(p)
	return c.emu.Write(p)
}

// Line returns the text on screen row y with trailing blanks removed.
func (c *Console) Line(y int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if y < 0 || y >= c.emu.Height() {
		return ""
	}
	var sb strings.Builder
	for x := 0; x < c.emu.Width(); x++ {
		cell := c.emu.CellAt(x, y)
		if cell == nil || cell.Content == "" {
			sb.WriteByte(' ')
			continue
		}
		sb.WriteString(cell.Content)
		if cell.Width > 1 {
			x += cell.Width - 1
		}
	}
	return strings.TrimRight(sb.String(), " ")
}

// Text returns everything written so far with escape sequences removed.
func (c *Console) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ansi.Strip(c.raw.String())
}

// Size returns the screen dimensions.
func (c *Console) Size() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emu.Width(), c.emu.Height()
}

func (c *Console) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	err := c.emu.Close()
	c.mu.Unlock()
	<-c.done
	return err
}
