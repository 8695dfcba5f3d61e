// Package firmware reads the platform flash image and lays it out in the
// firmware window.
package firmware

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// DefaultImageName is the flash image looked up in the BIOS directory.
const DefaultImageName = "Flash.fd"

var (
	ErrImageMissing  = errors.New("firmware image not found")
	ErrImageEmpty    = errors.New("firmware image is empty")
	ErrImageTooLarge = errors.New("firmware image larger than the firmware window")
)

// Reader loads firmware images.
type Reader interface {
	ReadImage(path string) ([]byte, error)
}

// FileReader reads images from the host filesystem.
type FileReader struct {
	// Progress draws a progress bar on stderr while reading.
	Progress bool
}

func (r FileReader) ReadImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrImageMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("open firmware image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat firmware image: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrImageEmpty)
	}

	buf := make([]byte, 0, info.Size())
	w := &sliceWriter{buf: buf}
	var writer io.Writer = w
	if r.Progress {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("load %s", info.Name()))
		defer bar.Close()
		writer = io.MultiWriter(w, bar)
	}
	if _, err := io.Copy(writer, f); err != nil {
		return nil, fmt.Errorf("read firmware image: %w", err)
	}
	if len(w.buf) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrImageEmpty)
	}
	return w.buf, nil
}

type sliceWriter struct {
	buf []byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Place copies image into window so that it ends flush with the window end
// and returns the offset it starts at.
func Place(window, image []byte) (int, error) {
	if len(image) == 0 {
		return 0, ErrImageEmpty
	}
	if len(image) > len(window) {
		return 0, fmt.Errorf("%d bytes into %d: %w", len(image), len(window), ErrImageTooLarge)
	}
	offset := len(window) - len(image)
	copy(window[offset:], image)
	return offset, nil
}
