package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBackendSetClosesFiles(t *testing.T) {
	dir := t.TempDir()
	b := &backendSet{}

	var files []*os.File
	for _, name := range []string{"serial0.log", "lpt0.log"} {
		w, err := b.Open("file:" + filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		f, ok := w.(*os.File)
		if !ok {
			t.Fatalf("backend %s is %T, want *os.File", name, w)
		}
		files = append(files, f)
	}
	if w, err := b.Open("none"); err != nil || w != nil {
		t.Fatalf("none backend = %v, %v", w, err)
	}
	if _, err := b.Open("tty9"); err == nil {
		t.Fatalf("unknown backend accepted")
	}

	if _, err := files[0].Write([]byte("boot\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, f := range files {
		if _, err := f.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
			t.Fatalf("%s still open after Close: %v", f.Name(), err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "serial0.log"))
	if err != nil || string(data) != "boot\n" {
		t.Fatalf("serial log = %q, %v", data, err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
