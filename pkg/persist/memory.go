package persist

import (
	"fmt"
	"sync"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// memoryCollection is the reference Collection implementation. It also
// backs the json backend, which persists every mutation to disk.
type memoryCollection struct {
	mu      sync.RWMutex
	docs    map[string]Document
	indexes map[string]map[string][]string

	// onChange, when set, is called under the write lock after every
	// successful mutation; the json backend uses it to persist.
	onChange func(id string, doc Document) error
}

func newMemoryCollection() *memoryCollection {
	return &memoryCollection{
		docs:    make(map[string]Document),
		indexes: make(map[string]map[string][]string),
	}
}

// MemoryDatabase keeps collections in process memory. It backs tests
// and is the model for the persistent backends.
type MemoryDatabase struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
}

// NewMemoryDatabase creates an empty in-memory database.
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{collections: make(map[string]*memoryCollection)}
}

// Collection returns the named collection, creating it on first use.
func (db *MemoryDatabase) Collection(name string) (Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	col, ok := db.collections[name]
	if !ok {
		col = newMemoryCollection()
		db.collections[name] = col
	}
	return col, nil
}

// Close releases the database; a no-op for the memory backend.
func (db *MemoryDatabase) Close() error {
	return nil
}

func (c *memoryCollection) Insert(doc Document) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := doc.Copy()
	id := stored.ID()
	if id == "" {
		id = GenerateID()
		stored.SetID(id)
	}
	if _, ok := c.docs[id]; ok {
		return "", fmt.Errorf("document %q: %w", id, util.ErrAlreadyExists)
	}
	c.docs[id] = stored
	if err := c.notify(id, stored); err != nil {
		delete(c.docs, id)
		return "", err
	}
	c.reindex()
	return id, nil
}

func (c *memoryCollection) Update(doc Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := doc.ID()
	if id == "" {
		return fmt.Errorf("document has no id: %w", util.ErrInvalidID)
	}
	old, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, util.ErrNotFound)
	}
	stored := doc.Copy()
	c.docs[id] = stored
	if err := c.notify(id, stored); err != nil {
		c.docs[id] = old
		return err
	}
	c.reindex()
	return nil
}

func (c *memoryCollection) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, util.ErrNotFound)
	}
	if deletable, ok := doc["deletable"].(bool); ok && !deletable {
		return fmt.Errorf("document %q: %w", id, util.ErrNonDeletable)
	}
	delete(c.docs, id)
	if err := c.notify(id, nil); err != nil {
		c.docs[id] = doc
		return err
	}
	c.reindex()
	return nil
}

func (c *memoryCollection) Retrieve(id string) (Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, ok := c.docs[id]
	if !ok {
		return nil, nil
	}
	return doc.Copy(), nil
}

func (c *memoryCollection) Find(selector Selector, opts *FindOptions) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []Document
	for _, id := range c.candidateIDs(selector) {
		doc := c.docs[id]
		if selector.Matches(doc) {
			result = append(result, doc.Copy())
		}
	}
	// Stable base order so pagination without an explicit sort is
	// still deterministic.
	sortDocuments(result, IDKey, Ascending)
	return applyFindOptions(result, opts), nil
}

func (c *memoryCollection) FindOne(selector Selector) (Document, error) {
	docs, err := c.Find(selector, &FindOptions{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *memoryCollection) EnsureIndex(field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexes[field]; !ok {
		c.indexes[field] = c.buildIndex(field)
	}
	return nil
}

// candidateIDs narrows the scan using an index when the selector has a
// plain string equality condition on an indexed field. Indexes only
// cover string values (mac, ip, sn)
func (c *memoryCollection) candidateIDs(selector Selector) []string {
	for field, cond := range selector {
		value, ok := cond.(string)
		if !ok {
			continue
		}
		index, ok := c.indexes[field]
		if !ok {
			continue
		}
		return index[value]
	}
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	return ids
}

func (c *memoryCollection) buildIndex(field string) map[string][]string {
	index := make(map[string][]string)
	for id, doc := range c.docs {
		if value, ok := lookupPath(doc, field); ok {
			if s, ok := value.(string); ok {
				index[s] = append(index[s], id)
			}
		}
	}
	return index
}

func (c *memoryCollection) reindex() {
	for field := range c.indexes {
		c.indexes[field] = c.buildIndex(field)
	}
}

func (c *memoryCollection) notify(id string, doc Document) error {
	if c.onChange == nil {
		return nil
	}
	return c.onChange(id, doc)
}
