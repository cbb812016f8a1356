package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONDatabase stores each collection as a directory of one JSON file
// per document. All documents are held in memory; every mutation is
// written back through a temp-file + rename so a crash mid-write never
// leaves a truncated document behind.
type JSONDatabase struct {
	baseDir     string
	mu          sync.Mutex
	collections map[string]*jsonCollection
}

// NewJSONDatabase opens (or creates) a json database rooted at baseDir.
func NewJSONDatabase(baseDir string) (*JSONDatabase, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	return &JSONDatabase{
		baseDir:     baseDir,
		collections: make(map[string]*jsonCollection),
	}, nil
}

// Collection returns the named collection, loading its documents from
// disk on first use.
func (db *JSONDatabase) Collection(name string) (Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if col, ok := db.collections[name]; ok {
		return col, nil
	}
	col, err := openJSONCollection(filepath.Join(db.baseDir, name))
	if err != nil {
		return nil, fmt.Errorf("opening collection %q: %w", name, err)
	}
	db.collections[name] = col
	return col, nil
}

// Close releases the database. Documents are persisted on every
// mutation so there is nothing to flush.
func (db *JSONDatabase) Close() error {
	return nil
}

type jsonCollection struct {
	*memoryCollection
	dir string
}

func openJSONCollection(dir string) (*jsonCollection, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	col := &jsonCollection{memoryCollection: newMemoryCollection(), dir: dir}
	col.onChange = col.persist
	if err := col.loadAll(); err != nil {
		return nil, err
	}
	return col, nil
}

func (c *jsonCollection) loadAll() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, entry.Name()))
		if err != nil {
			return err
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("document file %s: %w", entry.Name(), err)
		}
		c.docs[doc.ID()] = doc
	}
	return nil
}

// persist runs under the collection write lock; doc is nil on delete.
func (c *jsonCollection) persist(id string, doc Document) error {
	if err := validateDocumentID(id); err != nil {
		return err
	}
	path := filepath.Join(c.dir, id+".json")
	if doc == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, "."+id+".tmp*")
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
	return os.Rename(tmp.Name(), path)
}

// validateDocumentID refuses ids that cannot serve as filenames.
func validateDocumentID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("invalid document id: %q", id)
	}
	if strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("invalid document id: %q", id)
	}
	return nil
}
