// Package settings persists runtime configure-service parameters
// between daemon restarts.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Store is a flat name-to-value parameter store saved as one JSON
// object. Writes go through a temp file so a crash never leaves a
// half-written store behind.
type Store struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// DefaultPath returns the default location of the parameter store.
func DefaultPath() string {
	return "/var/lib/xivo-provisioning/app.json"
}

// Open loads the store at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the stored value for name.
func (s *Store) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[name]
	return value, ok
}

// Values returns a copy of all stored parameters.
func (s *Store) Values() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]string, len(s.values))
	for name, value := range s.values {
		values[name] = value
	}
	return values
}

// Set stores a value and saves the store.
func (s *Store) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return s.save()
}

// Delete removes a parameter and saves the store.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[name]; !ok {
		return nil
	}
	delete(s.values, name)
	return s.save()
}

// save writes the store to disk. The caller holds the lock.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
