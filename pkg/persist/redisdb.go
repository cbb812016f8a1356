package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/wazo-pbx/xivo-provisioning/pkg/util"
)

// RedisDatabase stores each document as a Redis hash keyed
// "collection|id", with every top-level field JSON-encoded. Selector
// queries scan the collection's keys; the dataset is small (one entry
// per phone) so scans stay cheap.
type RedisDatabase struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisDatabase creates a redis-backed database client.
func NewRedisDatabase(addr string, db int) *RedisDatabase {
	return &RedisDatabase{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
		ctx: context.Background(),
	}
}

// Connect tests the connection.
func (db *RedisDatabase) Connect() error {
	return db.client.Ping(db.ctx).Err()
}

// Collection returns the named collection.
func (db *RedisDatabase) Collection(name string) (Collection, error) {
	return &redisCollection{db: db, name: name}, nil
}

// Close closes the connection.
func (db *RedisDatabase) Close() error {
	return db.client.Close()
}

type redisCollection struct {
	db   *RedisDatabase
	name string
}

func (c *redisCollection) key(id string) string {
	return fmt.Sprintf("%s|%s", c.name, id)
}

func (c *redisCollection) Insert(doc Document) (string, error) {
	stored := doc.Copy()
	id := stored.ID()
	if id == "" {
		id = GenerateID()
		stored.SetID(id)
	}
	n, err := c.db.client.Exists(c.db.ctx, c.key(id)).Result()
	if err != nil {
		return "", err
	}
	if n > 0 {
		return "", fmt.Errorf("document %q: %w", id, util.ErrAlreadyExists)
	}
	if err := c.write(id, stored); err != nil {
		return "", err
	}
	return id, nil
}

func (c *redisCollection) Update(doc Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("document has no id: %w", util.ErrInvalidID)
	}
	n, err := c.db.client.Exists(c.db.ctx, c.key(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %q: %w", id, util.ErrNotFound)
	}
	return c.write(id, doc)
}

func (c *redisCollection) Delete(id string) error {
	doc, err := c.Retrieve(id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("document %q: %w", id, util.ErrNotFound)
	}
	if deletable, ok := doc["deletable"].(bool); ok && !deletable {
		return fmt.Errorf("document %q: %w", id, util.ErrNonDeletable)
	}
	return c.db.client.Del(c.db.ctx, c.key(id)).Err()
}

func (c *redisCollection) Retrieve(id string) (Document, error) {
	vals, err := c.db.client.HGetAll(c.db.ctx, c.key(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return decodeFields(vals)
}

func (c *redisCollection) Find(selector Selector, opts *FindOptions) ([]Document, error) {
	keys, err := c.db.client.Keys(c.db.ctx, c.key("*")).Result()
	if err != nil {
		return nil, err
	}
	var result []Document
	for _, key := range keys {
		vals, err := c.db.client.HGetAll(c.db.ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			continue
		}
		doc, err := decodeFields(vals)
		if err != nil {
			return nil, err
		}
		if selector.Matches(doc) {
			result = append(result, doc)
		}
	}
	sortDocuments(result, IDKey, Ascending)
	return applyFindOptions(result, opts), nil
}

func (c *redisCollection) FindOne(selector Selector) (Document, error) {
	docs, err := c.Find(selector, &FindOptions{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// EnsureIndex is a no-op; the redis backend is scan-based.
func (c *redisCollection) EnsureIndex(field string) error {
	return nil
}

// write replaces the whole hash so fields removed from the document do
// not linger in Redis.
func (c *redisCollection) write(id string, doc Document) error {
	key := c.key(id)
	fields := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[k] = string(data)
	}
	pipe := c.db.client.TxPipeline()
	pipe.Del(c.db.ctx, key)
	pipe.HSet(c.db.ctx, key, fields)
	_, err := pipe.Exec(c.db.ctx)
	return err
}

func decodeFields(vals map[string]string) (Document, error) {
	doc := make(Document, len(vals))
	for k, raw := range vals {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		doc[k] = v
	}
	return doc, nil
}
