package ephemeral

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/synqx/synqx/internal/chunk"
)

// DefaultResultTTL is how long interactive query results stay cached.
const DefaultResultTTL = 5 * time.Minute

// KV is the expiring byte store behind the result cache. Get returns
// (nil, nil) on miss.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ResultCache stores interactive query results as Arrow IPC, keyed by
// connection and the canonical request payload. Identical requests
// within the TTL are served without touching the backend.
type ResultCache struct {
	kv  KV
	ttl time.Duration
}

// NewResultCache creates a cache over the KV. ttl <= 0 selects the
// default.
func NewResultCache(kv KV, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{kv: kv, ttl: ttl}
}

// RedisKV adapts a Redis client; the fleet deployment shares results
// across server replicas this way.
type RedisKV struct {
	Client *redis.Client
}

func (r RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return data, err
}

func (r RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.Client.Set(ctx, key, value, ttl).Err()
}

// MemoryKV is the in-process store for the single-binary mode. Expiry
// is checked on read.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryKV creates an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryEntry)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expires) {
		delete(m.entries, key)
		return nil, nil
	}
	return entry.value, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

// CacheKey derives the cache key for a request. encoding/json sorts map
// keys at every level, so semantically equal payloads share a key.
func CacheKey(connectionID string, payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	sum := md5.Sum(data)
	return "query_result:" + connectionID + ":" + hex.EncodeToString(sum[:])
}

// cachedResult is the stored envelope: row data travels as base64 Arrow
// IPC next to the summary metadata.
type cachedResult struct {
	Metadata  map[string]any `json:"metadata"`
	ArrowData string         `json:"arrow_data"`
}

// Get returns the cached rows and metadata, or (nil, nil, nil) on miss.
func (c *ResultCache) Get(ctx context.Context, key string) ([]map[string]any, map[string]any, error) {
	if c == nil || c.kv == nil {
		return nil, nil, nil
	}
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if raw == nil {
		return nil, nil, nil
	}
	var entry cachedResult
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, nil, err
	}
	ipc, err := base64.StdEncoding.DecodeString(entry.ArrowData)
	if err != nil {
		return nil, nil, err
	}
	ch, err := chunk.DecodeIPC(ipc)
	if err != nil {
		return nil, nil, err
	}
	return ch.Rows(), entry.Metadata, nil
}

// Put stores rows and metadata under the key for the cache TTL.
func (c *ResultCache) Put(ctx context.Context, key string, rows []map[string]any, metadata map[string]any) error {
	if c == nil || c.kv == nil {
		return nil
	}
	ch := chunk.FromRows(rowColumns(rows), rows)
	ipc, err := chunk.EncodeIPC(ch)
	if err != nil {
		return err
	}
	entry := cachedResult{
		Metadata:  metadata,
		ArrowData: base64.StdEncoding.EncodeToString(ipc),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, key, data, c.ttl)
}
