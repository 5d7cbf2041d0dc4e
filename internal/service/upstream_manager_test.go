package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mcp-router/mcp-router/internal/config"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
	"github.com/mcp-router/mcp-router/internal/port/outbound"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is a controllable outbound.UpstreamClient.
type fakeClient struct {
	name    string
	tools   []*sdk.Tool
	call    func(name string, args json.RawMessage) (*sdk.CallToolResult, error)
	listErr error

	mu     sync.Mutex
	calls  int
	lists  int
	closed bool
}

func (f *fakeClient) ListTools(ctx context.Context) ([]*sdk.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args json.RawMessage) (*sdk.CallToolResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.call != nil {
		return f.call(name, args)
	}
	return &sdk.CallToolResult{StructuredContent: map[string]any{"upstream": f.name, "tool": name}}, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory builds fakeClients and records construction counts.
// listErr and call are stamped onto every client it builds.
type fakeFactory struct {
	mu      sync.Mutex
	built   map[string]int
	clients map[string]*fakeClient
	tools   map[string][]*sdk.Tool
	listErr error
	call    func(name string, args json.RawMessage) (*sdk.CallToolResult, error)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		built:   make(map[string]int),
		clients: make(map[string]*fakeClient),
		tools:   make(map[string][]*sdk.Tool),
	}
}

func (ff *fakeFactory) factory() outbound.ClientFactory {
	return func(cfg *config.UpstreamConfig, _ config.StdioSandboxConfig) (outbound.UpstreamClient, error) {
		ff.mu.Lock()
		defer ff.mu.Unlock()
		ff.built[cfg.Name]++
		fc := &fakeClient{name: cfg.Name, tools: ff.tools[cfg.Name], listErr: ff.listErr, call: ff.call}
		ff.clients[cfg.Name] = fc
		return fc, nil
	}
}

func (ff *fakeFactory) builtCount(name string) int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.built[name]
}

func (ff *fakeFactory) client(name string) *fakeClient {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.clients[name]
}

func poolConfig(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func TestUpstreamManager_GetCreatesLazilyAndReuses(t *testing.T) {
	t.Parallel()

	ff := newFakeFactory()
	m := NewUpstreamManager(ff.factory(), testLogger())
	cfg := poolConfig(t, `{"mcpServers": {"a": {"transport": "http", "url": "http://a.example"}}}`)

	if m.Size() != 0 {
		t.Fatalf("Size() = %d before first Get, want 0", m.Size())
	}
	c1, err := m.Get("a", cfg)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	c2, err := m.Get("a", cfg)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c1 != c2 {
		t.Error("Get() returned distinct clients for same upstream")
	}
	if ff.builtCount("a") != 1 {
		t.Errorf("factory invoked %d times, want 1", ff.builtCount("a"))
	}
}

func TestUpstreamManager_GetUnknownAndDisabled(t *testing.T) {
	t.Parallel()

	ff := newFakeFactory()
	m := NewUpstreamManager(ff.factory(), testLogger())
	cfg := poolConfig(t, `{"mcpServers": {
		"a": {"transport": "http", "url": "http://a.example", "enabled": false}
	}}`)

	_, err := m.Get("nope", cfg)
	if routererr.KindOf(err) != routererr.KindBadRequest {
		t.Errorf("unknown upstream: kind = %v, want BadRequest", routererr.KindOf(err))
	}

	_, err = m.Get("a", cfg)
	if routererr.KindOf(err) != routererr.KindUpstreamUnavailable {
		t.Errorf("disabled upstream: kind = %v, want UpstreamUnavailable", routererr.KindOf(err))
	}
}

func TestUpstreamManager_FingerprintChangeRecreates(t *testing.T) {
	t.Parallel()

	ff := newFakeFactory()
	m := NewUpstreamManager(ff.factory(), testLogger())

	cfgV1 := poolConfig(t, `{"mcpServers": {"a": {"transport": "http", "url": "http://a.example"}}}`)
	c1, err := m.Get("a", cfgV1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	old := ff.client("a")

	cfgV2 := poolConfig(t, `{"mcpServers": {"a": {"transport": "http", "url": "http://a2.example"}}}`)
	c2, err := m.Get("a", cfgV2)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if c1 == c2 {
		t.Error("client not recreated after config change")
	}
	if !old.isClosed() {
		t.Error("stale client not closed")
	}
	if ff.builtCount("a") != 2 {
		t.Errorf("factory invoked %d times, want 2", ff.builtCount("a"))
	}
}

func TestUpstreamManager_ReconcileClosesRemovedAndChanged(t *testing.T) {
	t.Parallel()

	ff := newFakeFactory()
	m := NewUpstreamManager(ff.factory(), testLogger())

	cfgV1 := poolConfig(t, `{"mcpServers": {
		"keep":    {"transport": "http", "url": "http://keep.example"},
		"remove":  {"transport": "http", "url": "http://remove.example"},
		"change":  {"transport": "http", "url": "http://change.example"},
		"disable": {"transport": "http", "url": "http://disable.example"}
	}}`)
	for _, name := range []string{"keep", "remove", "change", "disable"} {
		if _, err := m.Get(name, cfgV1); err != nil {
			t.Fatalf("Get(%s) error = %v", name, err)
		}
	}

	cfgV2 := poolConfig(t, `{"mcpServers": {
		"keep":    {"transport": "http", "url": "http://keep.example"},
		"change":  {"transport": "http", "url": "http://changed.example"},
		"disable": {"transport": "http", "url": "http://disable.example", "enabled": false}
	}}`)
	m.Reconcile(cfgV2)

	if m.Size() != 1 {
		t.Errorf("Size() = %d after reconcile, want 1", m.Size())
	}
	if ff.client("keep").isClosed() {
		t.Error("unchanged client was closed")
	}
	for _, name := range []string{"remove", "change", "disable"} {
		if !ff.client(name).isClosed() {
			t.Errorf("client %q not closed by reconcile", name)
		}
	}
}

func TestUpstreamManager_CloseAll(t *testing.T) {
	t.Parallel()

	ff := newFakeFactory()
	m := NewUpstreamManager(ff.factory(), testLogger())
	cfg := poolConfig(t, `{"mcpServers": {
		"a": {"transport": "http", "url": "http://a.example"},
		"b": {"transport": "http", "url": "http://b.example"}
	}}`)
	m.Get("a", cfg)
	m.Get("b", cfg)

	m.CloseAll()
	if m.Size() != 0 {
		t.Errorf("Size() = %d after CloseAll, want 0", m.Size())
	}
	if !ff.client("a").isClosed() || !ff.client("b").isClosed() {
		t.Error("clients not closed")
	}
}

func TestUpstreamManager_ConcurrentGetSingleClient(t *testing.T) {
	t.Parallel()

	ff := newFakeFactory()
	m := NewUpstreamManager(ff.factory(), testLogger())
	cfg := poolConfig(t, `{"mcpServers": {"a": {"transport": "http", "url": "http://a.example"}}}`)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Get("a", cfg); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d concurrent Gets failed", failures.Load())
	}
	if m.Size() != 1 {
		t.Errorf("Size() = %d, want 1", m.Size())
	}
}
