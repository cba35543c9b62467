// Package storage is the device's persistent key-value store and the typed
// accessors the rest of the firmware reads settings through.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"calx-go/errcode"
)

// Namespace all device keys live in.
const Namespace = "calx"

// Keys.
const (
	KeyDeviceID      = "device_id"
	KeyDeviceToken   = "dev_token"
	KeyWifiSSID      = "wifi_ssid"
	KeyWifiPass      = "wifi_pass"
	KeyPowerMode     = "power_mode"
	KeyTextSize      = "text_size"
	KeyKeyboard      = "keyboard"
	KeyScreenTimeout = "screen_to"
	KeyBound         = "is_bound"
)

// KV is a flat string store. Get returns errcode.NotFound for a missing key.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(keys ...string) error
	Keys() []string
}

// -----------------------------------------------------------------------------
// In-memory
// -----------------------------------------------------------------------------

type MemStore struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemStore() *MemStore { return &MemStore{m: map[string]string{}} }

func (s *MemStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", errcode.NotFound
	}
	return v, nil
}

func (s *MemStore) Set(key, value string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Delete(keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.m, k)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.m)
}

// -----------------------------------------------------------------------------
// YAML file
// -----------------------------------------------------------------------------

// FileStore keeps one namespace in a YAML document and rewrites the file on
// every mutation.
type FileStore struct {
	mu   sync.RWMutex
	path string
	m    map[string]string
}

type fileDoc struct {
	Namespace string            `yaml:"namespace"`
	Values    map[string]string `yaml:"values"`
}

// OpenFileStore loads path, starting empty if the file does not exist.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, m: map[string]string{}}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse store yaml: %w", err)
	}
	if doc.Namespace != "" && doc.Namespace != Namespace {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "open_store", Msg: "namespace " + doc.Namespace}
	}
	for k, v := range doc.Values {
		s.m[k] = v
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return "", errcode.NotFound
	}
	return v, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return s.flushLocked()
}

func (s *FileStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.m, k)
	}
	return s.flushLocked()
}

func (s *FileStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.m)
}

func (s *FileStore) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	raw, err := yaml.Marshal(fileDoc{Namespace: Namespace, Values: s.m})
	if err != nil {
		return fmt.Errorf("marshal store yaml: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit store: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
