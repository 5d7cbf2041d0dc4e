package service

import (
	"sync"
	"time"

	"github.com/mcp-router/mcp-router/internal/domain/tool"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultToolCacheTTL bounds how stale a session's view of an upstream's
// tool list may get before the next listing refetches it.
const DefaultToolCacheTTL = 30 * time.Second

type toolCacheEntry struct {
	tools []*sdk.Tool
	// originals maps sanitized tool name back to the upstream's original
	// name for namespaced dispatch.
	originals map[string]string
	fetchedAt time.Time
}

// ToolCache is a per-session, per-upstream tool list cache with TTL
// expiry. A session's concurrent requests share it.
type ToolCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*toolCacheEntry
}

// NewToolCache creates a cache with the given TTL.
func NewToolCache(ttl time.Duration) *ToolCache {
	return &ToolCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*toolCacheEntry),
	}
}

// Get returns the cached tool list for an upstream if present and fresh.
func (c *ToolCache) Get(upstream string) ([]*sdk.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[upstream]
	if !ok || c.now().Sub(e.fetchedAt) > c.ttl {
		return nil, false
	}
	return e.tools, true
}

// Put stores an upstream's tool list and indexes the sanitized names.
func (c *ToolCache) Put(upstream string, tools []*sdk.Tool) {
	originals := make(map[string]string, len(tools))
	for _, t := range tools {
		originals[tool.Sanitize(t.Name)] = t.Name
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[upstream] = &toolCacheEntry{
		tools:     tools,
		originals: originals,
		fetchedAt: c.now(),
	}
}

// Original resolves a sanitized tool name back to the upstream's original
// name. Expired entries still resolve: the mapping is better than the
// caller's only alternative, the sanitized name itself.
func (c *ToolCache) Original(upstream, sanitized string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[upstream]
	if !ok {
		return "", false
	}
	orig, ok := e.originals[sanitized]
	return orig, ok
}

// Invalidate drops one upstream's entry.
func (c *ToolCache) Invalidate(upstream string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, upstream)
}

// InvalidateAll drops every entry.
func (c *ToolCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*toolCacheEntry)
}
