package operation

import (
	"strconv"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// Registry addresses live OIPs by an opaque id so they can be exposed
// as pollable sub-resources. A registered OIP is never dropped until a
// caller deletes it; deletion runs the on-delete hook, which owners use
// to unlink the operation from their own bookkeeping.
type Registry struct {
	mu      sync.Mutex
	nextID  int
	entries map[string]registryEntry
}

type registryEntry struct {
	oip      *OIP
	onDelete func()
}

// NewRegistry creates an empty OIP registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Add registers an OIP and returns its id. onDelete may be nil.
func (r *Registry) Add(oip *OIP, onDelete func()) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := strconv.Itoa(r.nextID)
	r.entries[id] = registryEntry{oip: oip, onDelete: onDelete}
	return id
}

// Get returns the OIP with the given id.
func (r *Registry) Get(id string) (*OIP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, util.NewInvalidIDError("operation", id)
	}
	return entry.oip, nil
}

// Delete unregisters the OIP and runs its on-delete hook. The
// underlying operation is not aborted; its result is discarded.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return util.NewInvalidIDError("operation", id)
	}
	if entry.onDelete != nil {
		entry.onDelete()
	}
	return nil
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
