//go:build integration

// Package testutil provides helpers for integration tests that need a
// real Redis instance.
package testutil

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wazo-pbx/xivo-provisioning/pkg/persist"
)

// RedisAddr returns the address of the test Redis instance. It first
// checks PROVD_TEST_REDIS_ADDR, then discovers the Docker container IP.
func RedisAddr() string {
	if addr := os.Getenv("PROVD_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		"provd-test-redis").Output()
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(out))
	if ip == "" {
		return ""
	}
	return ip + ":6379"
}

// SkipIfNoRedis skips the test when the test Redis is not reachable.
func SkipIfNoRedis(t *testing.T) string {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set PROVD_TEST_REDIS_ADDR or start provd-test-redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
	return addr
}

// FlushDB flushes a specific Redis database.
func FlushDB(t *testing.T, addr string, db int) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}

// SeedDocuments writes documents into a collection the way the redis
// backend stores them: one hash per document at "collection|id", every
// top-level field JSON-encoded.
func SeedDocuments(t *testing.T, addr string, db int, collection string, docs []persist.Document) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	ctx := context.Background()
	for _, doc := range docs {
		id := doc.ID()
		if id == "" {
			t.Fatalf("seed document has no id: %v", doc)
		}
		fields := make(map[string]interface{}, len(doc))
		for k, v := range doc {
			data, err := json.Marshal(v)
			if err != nil {
				t.Fatalf("encoding field %s of %s: %v", k, id, err)
			}
			fields[k] = string(data)
		}
		if err := client.HSet(ctx, collection+"|"+id, fields).Err(); err != nil {
			t.Fatalf("seeding %s|%s: %v", collection, id, err)
		}
	}
}

// ReadDocument reads one stored document back, nil when absent.
func ReadDocument(t *testing.T, addr string, db int, collection, id string) persist.Document {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	defer client.Close()

	vals, err := client.HGetAll(context.Background(), collection+"|"+id).Result()
	if err != nil {
		t.Fatalf("reading %s|%s: %v", collection, id, err)
	}
	if len(vals) == 0 {
		return nil
	}
	doc := make(persist.Document, len(vals))
	for k, raw := range vals {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("decoding field %s of %s: %v", k, id, err)
		}
		doc[k] = v
	}
	return doc
}
