package ota

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	slotA = "a"
	slotB = "b"
)

func other(s string) string {
	if s == slotA {
		return slotB
	}
	return slotA
}

// slotMeta is the boot record kept next to the images.
type slotMeta struct {
	Running  string            `yaml:"running"`
	Next     string            `yaml:"next,omitempty"`   // slot to boot on the next start
	Verify   bool              `yaml:"verify,omitempty"` // running image not yet confirmed
	Boots    int               `yaml:"boots,omitempty"`  // starts while unconfirmed
	Versions map[string]string `yaml:"versions,omitempty"`
}

// FileSlots is a directory-backed A/B image store. Opening it performs the
// boot: a staged slot becomes the running one in verify state, and an image
// that was started once without being confirmed is abandoned for the other
// slot.
type FileSlots struct {
	dir string

	mu   sync.Mutex
	meta slotMeta
}

func OpenFileSlots(dir string) (*FileSlots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("slots dir: %w", err)
	}
	s := &FileSlots{dir: dir}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.boot()
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSlots) metaPath() string { return filepath.Join(s.dir, "slots.yaml") }

func (s *FileSlots) imagePath(slot string) string {
	return filepath.Join(s.dir, "slot_"+slot+".bin")
}

func (s *FileSlots) load() error {
	s.meta = slotMeta{Running: slotA}
	b, err := os.ReadFile(s.metaPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read slot meta: %w", err)
	}
	if err := yaml.Unmarshal(b, &s.meta); err != nil {
		return fmt.Errorf("parse slot meta: %w", err)
	}
	if s.meta.Running != slotA && s.meta.Running != slotB {
		s.meta.Running = slotA
	}
	return nil
}

func (s *FileSlots) save() error {
	b, err := yaml.Marshal(&s.meta)
	if err != nil {
		return err
	}
	tmp := s.metaPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write slot meta: %w", err)
	}
	return os.Rename(tmp, s.metaPath())
}

func (s *FileSlots) boot() {
	m := &s.meta
	if m.Next != "" {
		m.Running, m.Next = m.Next, ""
		m.Verify, m.Boots = true, 0
	}
	if !m.Verify {
		return
	}
	m.Boots++
	if m.Boots > 1 {
		// Never confirmed: fall back.
		m.Running = other(m.Running)
		m.Verify, m.Boots = false, 0
	}
}

func (s *FileSlots) Running() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Running
}

// Version returns the image version recorded for the running slot.
func (s *FileSlots) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Versions[s.meta.Running]
}

func (s *FileSlots) PendingVerify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Verify
}

func (s *FileSlots) MarkValid() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Verify, s.meta.Boots = false, 0
	return s.save()
}

func (s *FileSlots) MarkInvalid() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := other(s.meta.Running)
	if !s.hasImage(target) {
		return fmt.Errorf("no image in slot %s", target)
	}
	s.meta.Next = target
	s.meta.Verify, s.meta.Boots = false, 0
	return s.save()
}

// Slot a holds the factory image.
func (s *FileSlots) hasImage(slot string) bool {
	if slot == slotA {
		return true
	}
	_, err := os.Stat(s.imagePath(slot))
	return err == nil
}

func (s *FileSlots) Begin(size int64) (SlotWriter, error) {
	s.mu.Lock()
	target := other(s.meta.Running)
	s.mu.Unlock()

	f, err := os.CreateTemp(s.dir, "slot_"+target+"_*.part")
	if err != nil {
		return nil, fmt.Errorf("open slot %s: %w", target, err)
	}
	return &slotWriter{s: s, slot: target, f: f}, nil
}

type slotWriter struct {
	s    *FileSlots
	slot string
	f    *os.File
	done bool
}

func (w *slotWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *slotWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.f.Name())
}

// Finish installs the image and stages its slot for the next boot.
func (w *slotWriter) Finish(version string) error {
	if w.done {
		return errors.New("slot writer closed")
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.f.Name())
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return err
	}
	if err := os.Rename(w.f.Name(), w.s.imagePath(w.slot)); err != nil {
		os.Remove(w.f.Name())
		return err
	}

	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.meta.Versions == nil {
		w.s.meta.Versions = map[string]string{}
	}
	w.s.meta.Versions[w.slot] = version
	w.s.meta.Next = w.slot
	return w.s.save()
}
