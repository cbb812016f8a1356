// Package persist provides the document store used for devices and configs:
// open key/value documents addressed by id, queried through small
// mongo-style selectors, behind interchangeable storage backends.
package persist

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDKey is the identity field present in every persisted document.
const IDKey = "id"

// Document is an open key/value record. Unknown fields are preserved
// verbatim so plugins can attach their own data to devices and configs.
type Document map[string]interface{}

// ID returns the document id, or the empty string if unset.
func (d Document) ID() string {
	id, _ := d[IDKey].(string)
	return id
}

// SetID sets the document id.
func (d Document) SetID(id string) {
	d[IDKey] = id
}

// Copy returns a deep copy of the document.
func (d Document) Copy() Document {
	if d == nil {
		return nil
	}
	return Document(copyValue(map[string]interface{}(d)).(map[string]interface{}))
}

func copyValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[k] = copyValue(e)
		}
		return out
	case Document:
		return copyValue(map[string]interface{}(v))
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// GenerateID returns a fresh document id: a UUIDv4 rendered as 32 hex
// digits, the format phones end up seeing in their config filenames.
func GenerateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Database is a named group of collections sharing one backend.
type Database interface {
	// Collection returns the collection with the given name, creating
	// it if it does not exist yet.
	Collection(name string) (Collection, error)
	Close() error
}

// DatabaseConfig selects and parameterizes a storage backend.
type DatabaseConfig struct {
	// Type is one of "memory", "json" or "redis".
	Type string `yaml:"type" default:"json"`

	// Dir is the base directory for the json backend.
	Dir string `yaml:"dir" default:"/var/lib/xivo-provd/jsondb"`

	// RedisAddr and RedisDB parameterize the redis backend.
	RedisAddr string `yaml:"redis_addr" default:"localhost:6379"`
	RedisDB   int    `yaml:"redis_db"`
}

// Open creates a database for the configured backend type.
func Open(cfg DatabaseConfig) (Database, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryDatabase(), nil
	case "json":
		return NewJSONDatabase(cfg.Dir)
	case "redis":
		return NewRedisDatabase(cfg.RedisAddr, cfg.RedisDB), nil
	default:
		return nil, fmt.Errorf("unknown database type: %q", cfg.Type)
	}
}
