package transfer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sink receives one attempt's bytes. A failed attempt is aborted and the
// next attempt gets a fresh sink.
type sink interface {
	Write(p []byte) (int, error)
	commit(name string) error
	abort()
}

type memorySink struct {
	buf bytes.Buffer
}

func (m *memorySink) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memorySink) commit(string) error         { return nil }
func (m *memorySink) abort()                      { m.buf.Reset() }

// fileSink writes to a temp file in dir and renames it on commit.
type fileSink struct {
	dir  string
	f    *os.File
	path string
}

func newFileSink(dir string) (*fileSink, error) {
	f, err := os.CreateTemp(dir, ".p2p-share-*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &fileSink{dir: dir, f: f}, nil
}

func (s *fileSink) Write(p []byte) (int, error) { return s.f.Write(p) }

func (s *fileSink) abort() {
	s.f.Close()
	os.Remove(s.f.Name())
}

func (s *fileSink) commit(name string) error {
	if err := s.f.Close(); err != nil {
		os.Remove(s.f.Name())
		return fmt.Errorf("failed to close %s: %w", s.f.Name(), err)
	}
	target, err := availablePath(s.dir, name)
	if err != nil {
		os.Remove(s.f.Name())
		return err
	}
	if err := os.Rename(s.f.Name(), target); err != nil {
		os.Remove(s.f.Name())
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	s.path = target
	return nil
}

// availablePath picks dir/name, or dir/name (n).ext when that exists.
// Names from peers are reduced to their base name.
func availablePath(dir, name string) (string, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = "download"
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; i < 1000; i++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, dir)
}
