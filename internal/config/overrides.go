package config

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"orchd/pkg/types"
)

// ServiceOverride is a user-set deployment preference for one service,
// persisted across daemon restarts.
type ServiceOverride struct {
	Mode        types.Mode `yaml:"mode"`
	ExternalURL string     `yaml:"external_url,omitempty"`
}

// OverrideStore persists per-service overrides to a single YAML file.
// The file is rewritten wholesale on every change, never edited in place.
type OverrideStore struct {
	mu        sync.Mutex
	path      string
	overrides map[string]ServiceOverride
}

// LoadOverrides reads the store at path. A missing file yields an empty store.
func LoadOverrides(path string) (*OverrideStore, error) {
	s := &OverrideStore{path: path, overrides: make(map[string]ServiceOverride)}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, &s.overrides); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the override for a service, if any.
func (s *OverrideStore) Get(name string) (ServiceOverride, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overrides[name]
	return o, ok
}

// Set records an override and rewrites the backing file.
func (s *OverrideStore) Set(name string, o ServiceOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[name] = o
	return s.flushLocked()
}

// Delete removes an override and rewrites the backing file.
func (s *OverrideStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, name)
	return s.flushLocked()
}

func (s *OverrideStore) flushLocked() error {
	b, err := yaml.Marshal(s.overrides)
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.path, b, 0o644)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
