package services

import (
	"sort"

	"github.com/wazo-pbx/xivo-provisioning/pkg/settings"
	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// PersistentConfigureService saves every accepted Set to a parameter
// store and replays the stored values at construction, so runtime
// configuration survives daemon restarts.
type PersistentConfigureService struct {
	inner ConfigureService
	store *settings.Store
}

// NewPersistentConfigureService wraps inner, replaying the stored
// parameters through it in name order. Values the inner service no
// longer accepts are skipped with a warning.
func NewPersistentConfigureService(inner ConfigureService, store *settings.Store) *PersistentConfigureService {
	saved := store.Values()
	names := make([]string, 0, len(saved))
	for name := range saved {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := inner.Set(name, saved[name]); err != nil {
			util.Warnf("services: restoring parameter %s: %v", name, err)
		}
	}
	return &PersistentConfigureService{inner: inner, store: store}
}

// Get returns the current value from the wrapped service.
func (s *PersistentConfigureService) Get(name string) (string, error) {
	return s.inner.Get(name)
}

// Set applies the value through the wrapped service, then persists it.
func (s *PersistentConfigureService) Set(name, value string) error {
	if err := s.inner.Set(name, value); err != nil {
		return err
	}
	return s.store.Set(name, value)
}

// Parameters returns the wrapped service's table.
func (s *PersistentConfigureService) Parameters() []Parameter {
	return s.inner.Parameters()
}
