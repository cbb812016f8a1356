package plugins

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// CatalogFilename is the installable-plugin catalog served by the
// plugin server and cached locally by Update.
const CatalogFilename = "plugins.db"

// CatalogEntry describes one installable plugin as listed by the
// plugin server.
type CatalogEntry struct {
	ID          string `yaml:"id"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Filename    string `yaml:"filename"`
	DSize       int64  `yaml:"dsize"`
	SHA1Sum     string `yaml:"sha1sum"`
}

type catalogFile struct {
	Plugins []CatalogEntry `yaml:"plugins"`
}

// parseCatalog decodes a plugins.db document into entries keyed by
// plugin id.
func parseCatalog(raw []byte) (map[string]CatalogEntry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse plugin catalog: %w", err)
	}
	entries := make(map[string]CatalogEntry, len(file.Plugins))
	for _, entry := range file.Plugins {
		if entry.ID == "" {
			return nil, fmt.Errorf("parse plugin catalog: entry without id")
		}
		if entry.Filename == "" {
			return nil, fmt.Errorf("parse plugin catalog: entry %s without filename", entry.ID)
		}
		entries[entry.ID] = entry
	}
	return entries, nil
}

// readCatalogFile loads a cached plugins.db. A missing file is an
// empty catalog, not an error.
func readCatalogFile(path string) (map[string]CatalogEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]CatalogEntry{}, nil
		}
		return nil, fmt.Errorf("read plugin catalog: %w", err)
	}
	return parseCatalog(raw)
}

// sortCatalogEntries orders entries by plugin id.
func sortCatalogEntries(entries map[string]CatalogEntry) []CatalogEntry {
	sorted := make([]CatalogEntry, 0, len(entries))
	for _, entry := range entries {
		sorted = append(sorted, entry)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}
