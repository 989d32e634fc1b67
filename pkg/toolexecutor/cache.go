package toolexecutor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// DefaultCacheTTL is used for cacheable tools that do not declare a TTL.
const DefaultCacheTTL = 60 * time.Second

// CacheEntry is a cached tool result. The output is held in encoded form
// so that no caller ever shares memory with the cache.
type CacheEntry struct {
	Key       string
	ToolID    string
	Result    ExecutionResult
	CreatedAt time.Time
	ExpiresAt time.Time

	output     []byte
	outputType reflect.Type
}

// ResultCache is a TTL cache of tool results. Expiry is checked lazily on
// read; Sweep removes expired entries eagerly.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	now     func() time.Time
}

// NewResultCache creates an empty result cache
func NewResultCache() *ResultCache {
	return &ResultCache{
		entries: make(map[string]*CacheEntry),
		now:     time.Now,
	}
}

// CacheKey builds the cache key for a tool call. Parameters are normalized
// through a JSON round trip so that key order and Go value types (structs,
// typed maps, numeric kinds) do not produce distinct keys for equal inputs.
func CacheKey(toolID string, params map[string]interface{}) (string, error) {
	canonical, err := canonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize parameters for %s: %w", toolID, err)
	}

	sum := sha256.Sum256(canonical)
	return toolID + ":" + hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(params map[string]interface{}) ([]byte, error) {
	if params == nil {
		params = map[string]interface{}{}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	// Decoding into interface{} turns every object into map[string]interface{},
	// which encoding/json marshals with sorted keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	return json.Marshal(generic)
}

// Get returns a live entry for key. Expired entries are removed.
func (c *ResultCache) Get(key string) (ExecutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return ExecutionResult{}, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		return ExecutionResult{}, false
	}

	result := entry.Result
	output, err := decodeOutput(entry.output, entry.outputType)
	if err != nil {
		delete(c.entries, key)
		return ExecutionResult{}, false
	}
	result.Output = output
	return result, true
}

// Set stores a copy of result under key for ttl. A non-positive ttl uses
// DefaultCacheTTL. Outputs that cannot be encoded as JSON are not cached.
func (c *ResultCache) Set(key, toolID string, result ExecutionResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	var (
		raw []byte
		typ reflect.Type
	)
	if result.Output != nil {
		var err error
		if raw, err = json.Marshal(result.Output); err != nil {
			return fmt.Errorf("failed to encode result of %s: %w", toolID, err)
		}
		typ = reflect.TypeOf(result.Output)
	}
	result.Output = nil

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &CacheEntry{
		Key:        key,
		ToolID:     toolID,
		Result:     result,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		output:     raw,
		outputType: typ,
	}
	return nil
}

// decodeOutput rebuilds a fresh value of the original dynamic type.
func decodeOutput(raw []byte, typ reflect.Type) (interface{}, error) {
	if typ == nil {
		return nil, nil
	}
	ptr := reflect.New(typ)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// InvalidateTool removes every entry belonging to toolID.
func (c *ResultCache) InvalidateTool(toolID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.ToolID == toolID {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Sweep removes expired entries and returns how many were removed.
func (c *ResultCache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes every entry and returns how many were removed.
func (c *ResultCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*CacheEntry)
	return n
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
